package main

// derecho-demo: spin up a three-member group in one process
// (over the emulated fabric) and multicast a handful of
// messages, printing deliveries as they land on each member.

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/glycerine/derecho"
)

func main() {
	var nmsg int
	var port int
	flag.IntVar(&nmsg, "n", 10, "messages to multicast")
	flag.IntVar(&port, "port", derecho.DefaultGmsPort, "membership service port for the founding member")
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	hub := derecho.NewMemHub()
	layout := derecho.AllMembersOneShard(derecho.OrderedMode)
	leaderAddr := fmt.Sprintf("127.0.0.1:%v", port)

	var mut sync.Mutex
	counts := map[derecho.NodeID]int{}
	cbFor := func(me derecho.NodeID) derecho.CallbackSet {
		return derecho.CallbackSet{
			GlobalStability: func(sg derecho.SubgroupID, sender derecho.NodeID, index int64, data []byte) {
				mut.Lock()
				counts[me]++
				mut.Unlock()
				fmt.Printf("member %v delivered [%v:%v] %q\n", me, sender, index, string(data))
			},
		}
	}

	cfg := derecho.NewConfig()
	cfg.GmsAddr = leaderAddr

	var g1 *derecho.Group
	var err1 error
	done := make(chan bool)
	go func() {
		g1, err1 = derecho.StartNewGroup(hub, 1, "", cbFor(1), layout, cfg)
		done <- true
	}()

	cfg2 := derecho.NewConfig()
	cfg2.GmsAddr = "127.0.0.1:0"
	g2, err := derecho.JoinGroup(hub, 2, "", leaderAddr, cbFor(2), layout, cfg2)
	if err != nil {
		log.Fatalf("member 2 join: %v", err)
	}
	<-done
	if err1 != nil {
		log.Fatalf("founding member: %v", err1)
	}

	cfg3 := derecho.NewConfig()
	cfg3.GmsAddr = "127.0.0.1:0"
	g3, err := derecho.JoinGroup(hub, 3, "", leaderAddr, cbFor(3), layout, cfg3)
	if err != nil {
		log.Fatalf("member 3 join: %v", err)
	}
	for _, g := range []*derecho.Group{g1, g2, g3} {
		if err := g.WaitForVid(1, 10*time.Second); err != nil {
			log.Fatalf("view 1: %v", err)
		}
	}
	fmt.Printf("three members up: %v\n", g1.GetMembers())

	for i := 0; i < nmsg; i++ {
		payload := fmt.Sprintf("hello-%03d", i)
		for {
			buf := g1.GetSendBuffer(0, int64(len(payload)))
			if buf != nil {
				copy(buf, payload)
				g1.Send(0)
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		mut.Lock()
		ok := counts[1] >= nmsg && counts[2] >= nmsg && counts[3] >= nmsg
		mut.Unlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			fmt.Println("timed out waiting for deliveries")
			os.Exit(1)
		}
		time.Sleep(time.Millisecond)
	}
	fmt.Printf("all %v messages delivered on every member\n", nmsg)
	g1.DebugDump()
	g3.Shutdown()
	g2.Shutdown()
	g1.Shutdown()
}
