package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"
)

// 手动联调用的伪目标进程：接入引擎端点后持续上报计数器样本
// 用法: go run ./test -socket /tmp/diag-engine.sock -counter cpu-usage
func main() {
	socket := flag.String("socket", "/tmp/diag-engine.sock", "引擎listen端点")
	name := flag.String("name", "fake-target", "上报的进程名")
	provider := flag.String("provider", "System.Runtime", "计数器提供者")
	counter := flag.String("counter", "cpu-usage", "计数器名称")
	interval := flag.Duration("interval", time.Second, "样本间隔")
	base := flag.Float64("base", 70, "计数器基准值")
	flag.Parse()

	target, err := NewFakeTarget(*socket, os.Getpid(), *name, "fake-target "+*counter)
	if err != nil {
		log.Fatalf("connect to engine failed: %v", err)
	}
	defer target.Close()

	select {
	case <-target.Resumed:
		fmt.Println("attached, engine sent resume")
	case <-time.After(5 * time.Second):
		log.Fatal("no resume from engine within 5s")
	}

	for {
		value := *base + rand.Float64()*30
		if err := target.SendCounter(*provider, *counter, value); err != nil {
			log.Fatalf("send sample failed: %v", err)
		}
		fmt.Printf("sent %s/%s = %.1f\n", *provider, *counter, value)
		time.Sleep(*interval)
	}
}
