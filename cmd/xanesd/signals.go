package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// interruptOnce runs teardown on the first SIGINT or SIGTERM and exits.
// A second signal skips the teardown and kills the process.
func interruptOnce(teardown func()) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down: cancelling any scan and parking the beamline")
		go func() {
			<-sig
			os.Exit(1)
		}()
		teardown()
		os.Exit(0)
	}()
}
