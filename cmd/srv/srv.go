package main

// srv: a minimal msgpipe echo server. Prints its
// published address (dial it with cmd/cli), and echoes
// every front payload back to the sender.

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/glycerine/msgpipe"
)

func main() {

	msgpipe.Exit1IfVersionReq()

	fmt.Printf("%v", msgpipe.GetCodeVersion("srv"))

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	bind := flag.String("bind", "127.0.0.1:0", "ip:port to listen on; port 0 walks the configured range")
	psk := flag.String("psk", "", "pre-shared key; empty disables the keyed authorizer")
	flag.Parse()

	cfg := msgpipe.NewConfig()
	if *psk != "" {
		cfg.PreSharedKey = []byte(*psk)
	}

	dq := msgpipe.NewDispatchQueue()
	m := msgpipe.NewMessenger("srv", msgpipe.HostStore, cfg, dq)
	m.SetDefaultPolicy(msgpipe.PolicyStatefulServer(0))

	if err := m.Bind(*bind); err != nil {
		log.Fatalf("bind %v failed: %v", *bind, err)
	}
	if err := m.Start(); err != nil {
		log.Fatalf("start failed: %v", err)
	}
	fmt.Printf("srv listening; my addr is %v\n", m.MyAddr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)

	for {
		select {
		case <-sigChan:
			fmt.Printf("\nsrv shutting down.\n")
			m.Shutdown()
			dq.Stop()
			return
		case ev := <-dq.EventCh:
			fmt.Printf("srv event: %v from %v\n", ev.Kind, ev.Conn.PeerAddr())
		case d := <-dq.ReceiveCh:
			fmt.Printf("srv got seq=%v front='%v' from conn %v\n",
				d.Msg.Seq, string(d.Msg.Front), d.ConnID)
			reply := msgpipe.NewMessage()
			reply.Front = append([]byte("echo: "), d.Msg.Front...)
			cs := d.Msg.Connection()
			if err := m.Send(cs.PeerAddr(), cs.PeerType(), reply); err != nil {
				log.Printf("echo send failed: %v", err)
			}
			d.Msg.Release()
		}
	}
}
