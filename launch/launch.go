/*Package launch runs the production XANES acquisition script.

The calibration scan in package scan is the coarse pass; the real
acquisition is an external Python orchestrator living beside the
tomography IOC.  This package starts it locally or over SSH inside its
conda environment, streams its output, and kills the whole process group
on Stop.  It also owns the energies-file handoff and the scan-range
channel priming the script reads its grid from.
*/
package launch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrScriptActive is returned by Start while a script is running.
var ErrScriptActive = errors.New("launch: acquisition script already running")

// Config locates the acquisition script and the machine it runs on.
type Config struct {
	// Host runs the script.  Empty, "localhost" or "127.0.0.1" execute
	// directly; anything else goes over SSH with public key auth.
	Host string `yaml:"Host"`
	User string `yaml:"User"`

	// KeyFile is the SSH private key; ~ expands to the home directory.
	KeyFile string `yaml:"KeyFile"`

	// CondaPath and CondaEnv activate the script's environment.  An
	// empty CondaPath skips activation.
	CondaPath string `yaml:"CondaPath"`
	CondaEnv  string `yaml:"CondaEnv"`

	Workdir string `yaml:"Workdir"`
	Script  string `yaml:"Script"`

	// Python names the interpreter; beamline hosts disagree about
	// python vs python3.
	Python string `yaml:"Python"`

	// EnergiesPath is where explicit energy lists are handed off to the
	// script.
	EnergiesPath string `yaml:"EnergiesPath"`
}

// DefaultConfig is the sector 32 deployment.
func DefaultConfig() Config {
	return Config{
		Host:         "gauss",
		User:         "usertxm",
		KeyFile:      "~/.ssh/id_rsa",
		CondaPath:    "/home/beams/USERTXM/conda/anaconda",
		CondaEnv:     "tomoscan",
		Workdir:      "/home/beams/USERTXM/epics/synApps/support/tomoscan/iocBoot/iocTomoScan_32ID/",
		Script:       "/home/beams/USERTXM/Software/xanes_gui/xanes_energy.py",
		Python:       "python",
		EnergiesPath: "~/energies.npy",
	}
}

// command is the shell line run on either side: enter the workdir,
// activate conda, start the script.
func (c Config) command() string {
	var parts []string
	if c.Workdir != "" {
		parts = append(parts, fmt.Sprintf("cd %s", c.Workdir))
	}
	if c.CondaPath != "" {
		parts = append(parts,
			fmt.Sprintf("source %s/etc/profile.d/conda.sh", c.CondaPath),
			fmt.Sprintf("conda activate %s", c.CondaEnv))
	}
	python := c.Python
	if python == "" {
		python = "python"
	}
	parts = append(parts, fmt.Sprintf("%s %s", python, c.Script))
	return strings.Join(parts, " && ")
}

func (c Config) local() bool {
	switch c.Host {
	case "", "localhost", "127.0.0.1":
		return true
	}
	return false
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Runner starts and stops the acquisition script.  One script at a time;
// a second Start returns ErrScriptActive.
type Runner struct {
	// OnLine, when non-nil, receives each output line.  Lines go to the
	// process log either way.  Set before the first Start.
	OnLine func(string)

	cfg Config

	mu     sync.Mutex
	active bool
	proc   *os.Process // local run
	client *ssh.Client // remote run
}

// NewRunner returns a Runner for cfg.
func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// Config returns the runner's launch configuration.
func (r *Runner) Config() Config { return r.cfg }

// Running reports whether a script is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Runner) line(s string) {
	log.Printf("[script] %s", s)
	if r.OnLine != nil {
		r.OnLine(s)
	}
}

// Start launches the script and returns once it is running; output and
// exit status stream to the log in the background.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrScriptActive
	}
	r.active = true
	r.mu.Unlock()

	var err error
	if r.cfg.local() {
		err = r.startLocal()
	} else {
		err = r.startRemote()
	}
	if err != nil {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
	}
	return err
}

// Stop terminates the running script, children included.  A no-op when
// nothing runs; errors are logged, since by the time an operator mashes
// stop there is nothing better to do with them.
func (r *Runner) Stop() {
	r.mu.Lock()
	proc := r.proc
	client := r.client
	r.mu.Unlock()

	switch {
	case proc != nil:
		// the process leads its own group; sign the whole group off
		if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err != nil {
			log.Printf("launch: terminating process group: %v", err)
		}
	case client != nil:
		sess, err := client.NewSession()
		if err != nil {
			log.Printf("launch: opening kill session: %v", err)
			return
		}
		defer sess.Close()
		if err := sess.Run(fmt.Sprintf("pkill -TERM -f %s", r.cfg.Script)); err != nil {
			log.Printf("launch: remote kill: %v", err)
		}
	}
}

func (r *Runner) startLocal() error {
	cmd := exec.Command("bash", "-l", "-c", r.cfg.command())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	r.mu.Lock()
	r.proc = cmd.Process
	r.mu.Unlock()
	r.line(fmt.Sprintf("running locally: %s", r.cfg.Script))

	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			r.line(sc.Text())
		}
		err := cmd.Wait()
		r.finish(err)
	}()
	return nil
}

func (r *Runner) startRemote() error {
	key, err := os.ReadFile(expandHome(r.cfg.KeyFile))
	if err != nil {
		return fmt.Errorf("launch: reading key %s: %w", r.cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("launch: parsing key %s: %w", r.cfg.KeyFile, err)
	}
	client, err := ssh.Dial("tcp", r.cfg.Host+":22", &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyPolicy(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("launch: dialing %s: %w", r.cfg.Host, err)
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return err
	}

	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw
	if err := sess.Start(fmt.Sprintf("bash -l -c %q", r.cfg.command())); err != nil {
		sess.Close()
		client.Close()
		return err
	}
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
	r.line(fmt.Sprintf("running on %s@%s: %s", r.cfg.User, r.cfg.Host, r.cfg.Script))

	go func() {
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			r.line(sc.Text())
		}
	}()
	go func() {
		err := sess.Wait()
		pw.Close()
		sess.Close()
		client.Close()
		r.finish(err)
	}()
	return nil
}

// finish records the exit and reopens the runner.
func (r *Runner) finish(err error) {
	if err != nil {
		r.line(fmt.Sprintf("script exited: %v", err))
	} else {
		r.line("script completed")
	}
	r.mu.Lock()
	r.active = false
	r.proc = nil
	r.client = nil
	r.mu.Unlock()
}

// hostKeyPolicy verifies against ~/.ssh/known_hosts when present.  The
// accelerator network is flat and the file is usually there; when it is
// not, we proceed unverified rather than dead-end the beamline.
func hostKeyPolicy() ssh.HostKeyCallback {
	path := expandHome("~/.ssh/known_hosts")
	if cb, err := knownhosts.New(path); err == nil {
		return cb
	}
	log.Printf("launch: no usable %s, skipping host key verification", path)
	return ssh.InsecureIgnoreHostKey()
}
