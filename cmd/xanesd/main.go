package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "xanesd.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `xanesd calibrates the energy axis of the transmission X-ray microscope
and exposes the calibration scan, edge analysis, and the production
acquisition script over HTTP.

Usage:
	xanesd <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `xanesd is configured via xanesd.yml in the working directory; run
"xanesd mkconf" to write one holding the defaults, then edit it.  With no
file the sector 32 defaults apply.

"xanesd run" serves the routes under Endpoint (default txm/xanes); GET
/endpoints lists them.  Pass -mock after run to scan a synthetic beamline
with an iron edge instead of touching hardware.

A calibration scan holds the node's lock for its duration: mutating
routes answer 423 until the scan ends, except cancel, acquire/stop, and
the read-only surface.  POST /lock and GET /lock drive the same lock by
hand.

Energies reach the acquisition script through the Launch.EnergiesPath
.npy file (explicit sequences) or the Grid channels (spans); the script
only trusts a file younger than a minute.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("xanesd version %v\n", Version)
}

func run(mock bool) {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if mock {
		c.Mock = true
	}
	mux, shutdown := BuildMux(c)
	interruptOnce(shutdown)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		mock := len(args) > 2 && args[2] == "-mock"
		run(mock)
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
