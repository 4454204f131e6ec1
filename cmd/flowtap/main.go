// Command flowtap tails raw serial output from the flow sensor for
// debugging: every line is printed with elapsed time and a counter, and
// frames that parse are unpacked inline.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/flowmeter/internal/flow"
	"github.com/banshee-data/flowmeter/internal/serialport"
)

var (
	portFlag  = flag.String("port", "", "Serial port to tap")
	baudRate  = flag.Int("baud", 9600, "Baud rate")
	listPorts = flag.Bool("list", false, "List available serial ports and exit")
)

func main() {
	flag.Parse()

	factory := serialport.RealFactory{}

	if *listPorts {
		ports, err := factory.ListPorts()
		if err != nil {
			log.Fatalf("failed to list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if *portFlag == "" {
		log.Fatal("port is required, try -list to see candidates")
	}

	port, err := factory.Open(*portFlag, serialport.Options{BaudRate: *baudRate})
	if err != nil {
		log.Fatalf("failed to open %s: %v", *portFlag, err)
	}
	defer port.Close()

	parser := flow.NewParser(",", 4)
	start := time.Now()
	count := 0

	scan := bufio.NewScanner(port)
	for scan.Scan() {
		line := scan.Text()
		if line == "" {
			continue
		}
		count++
		fmt.Printf("[%6.1fs] #%03d: %s\n", time.Since(start).Seconds(), count, line)

		sample, err := parser.Parse(line)
		if err != nil {
			continue
		}
		fmt.Printf("         flow=%.4f L/min volume=%.5f L status=%s", sample.FlowRate, sample.CumulativeVolume, sample.Status)
		if sample.HasPulses {
			fmt.Printf(" pulses=%d total=%d", sample.PulseCount, sample.TotalPulses)
		}
		fmt.Println()
	}
	if err := scan.Err(); err != nil {
		log.Fatalf("read failed: %v", err)
	}
}
