package main

// cli: dials a msgpipe srv, sends one message, waits for
// the echo.

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/glycerine/msgpipe"
)

func main() {

	msgpipe.Exit1IfVersionReq()

	fmt.Printf("%v", msgpipe.GetCodeVersion("cli"))

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	dest := flag.String("dest", "", "server address as printed by srv: ip:port/nonce")
	text := flag.String("text", "hello from cli", "front payload to send")
	psk := flag.String("psk", "", "pre-shared key; must match the server's")
	wait := flag.Duration("wait", 10*time.Second, "how long to wait for the echo")
	flag.Parse()

	if *dest == "" {
		log.Fatalf("-dest is required; run srv and copy its printed address")
	}
	hostport, nonceStr, ok := strings.Cut(*dest, "/")
	if !ok {
		log.Fatalf("bad -dest '%v': want ip:port/nonce", *dest)
	}
	addr, err := msgpipe.ParseAddr(hostport)
	if err != nil {
		log.Fatalf("bad -dest '%v': %v", *dest, err)
	}
	nonce, err := strconv.ParseUint(nonceStr, 10, 32)
	if err != nil {
		log.Fatalf("bad nonce in -dest '%v': %v", *dest, err)
	}
	addr.Nonce = uint32(nonce)

	cfg := msgpipe.NewConfig()
	if *psk != "" {
		cfg.PreSharedKey = []byte(*psk)
	}

	dq := msgpipe.NewDispatchQueue()
	m := msgpipe.NewMessenger("cli", msgpipe.HostClient, cfg, dq)
	m.SetDefaultPolicy(msgpipe.PolicyLosslessClient(0))
	defer m.Shutdown()

	msg := msgpipe.NewMessage()
	msg.Front = []byte(*text)
	if err := m.Send(addr, msgpipe.HostStore, msg); err != nil {
		log.Fatalf("send failed: %v", err)
	}

	deadline := time.After(*wait)
	for {
		select {
		case ev := <-dq.EventCh:
			fmt.Printf("cli event: %v\n", ev.Kind)
		case d := <-dq.ReceiveCh:
			fmt.Printf("cli got echo: '%v'\n", string(d.Msg.Front))
			d.Msg.Release()
			return
		case <-deadline:
			log.Fatalf("no echo within %v", *wait)
		}
	}
}
