package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"static-flow-verifier/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

// ICMP names every ICMP type and code.
const ICMP = "ALL_ICMP"

type ServiceEntry struct {
	Protocol model.Protocol
	Port     int // -1 for every port
}

// Signature renders the entry as a raw application name.
func (e ServiceEntry) Signature() string {
	return model.Signature(e.Protocol, e.Port, e.Port)
}

var serviceRegistry map[string][]ServiceEntry

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.Atoi(record[0])
		if err != nil {
			continue
		}
		register(record[1], ServiceEntry{Protocol: model.TCP, Port: port})
		register(record[2], ServiceEntry{Protocol: model.UDP, Port: port})
	}

	icmp := ServiceEntry{Protocol: model.ICMP, Port: -1}
	serviceRegistry[ICMP] = append(serviceRegistry[ICMP], icmp)
	serviceRegistry["PING"] = append(serviceRegistry["PING"], icmp)
}

func register(name string, entry ServiceEntry) {
	name = strings.TrimSpace(name)
	if name == "" || name == "N/A" {
		return
	}
	key := strings.ToUpper(name)
	serviceRegistry[key] = append(serviceRegistry[key], entry)
	// Firewall vendors call it DNS, IANA calls it domain.
	if key == "DOMAIN" {
		serviceRegistry["DNS"] = append(serviceRegistry["DNS"], entry)
	}
}

// GetService returns the port and protocol for a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(name)]
	return entry, ok
}

// Signatures returns the raw application names of a well-known service.
func Signatures(name string) ([]string, bool) {
	entries, ok := GetService(name)
	if !ok {
		return nil, false
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Signature()
	}
	return out, true
}
