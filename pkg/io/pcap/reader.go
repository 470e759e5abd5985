// Package pcap reads packets from capture files or live interfaces and
// extracts per-packet connection features suitable for the flowguard
// detectors.
package pcap

import (
	"context"
	"errors"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// Reader reads packets from PCAP files or live interfaces.
type Reader struct {
	handle    *pcap.Handle
	extractor *FeatureExtractor
	isLive    bool
}

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string) (*Reader, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		extractor: NewFeatureExtractor(),
		isLive:    false,
	}, nil
}

// NewLiveReader creates a reader for live packet capture.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		extractor: NewFeatureExtractor(),
		isLive:    true,
	}, nil
}

// Read returns all packets as feature vectors.
func (r *Reader) Read() ([][]float64, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}

	var data [][]float64
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	for packet := range packetSource.Packets() {
		if features := r.extractor.Extract(packet); features != nil {
			data = append(data, features)
		}
	}

	return data, nil
}

// Stream returns a channel of feature vectors for real-time scoring.
func (r *Reader) Stream(ctx context.Context) (<-chan []float64, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan []float64, 1000)
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packetSource.Packets():
				if !ok {
					return
				}
				features := r.extractor.Extract(packet)
				if features == nil {
					continue
				}
				select {
				case out <- features:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.handle != nil {
		r.handle.Close()
	}
	return nil
}

// FeatureExtractor turns packets into connection-record feature vectors
// mirroring the tabular layout the detectors are trained on: sizes, timing,
// protocol, ports, TCP flag counts, and the land indicator (source equals
// destination endpoint).
type FeatureExtractor struct {
	lastTimestamp time.Time
}

// NewFeatureExtractor creates a new packet feature extractor.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// Extract converts a packet to a feature vector.
func (e *FeatureExtractor) Extract(packet gopacket.Packet) []float64 {
	features := make([]float64, len(featureNames))

	features[0] = float64(len(packet.Data()))

	// Inter-arrival time stands in for the flow duration attribute.
	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		if !e.lastTimestamp.IsZero() {
			features[1] = md.Timestamp.Sub(e.lastTimestamp).Seconds()
		}
		e.lastTimestamp = md.Timestamp
	}

	var srcPort, dstPort float64
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		features[2] = 6 // TCP
		srcPort, dstPort = float64(tcp.SrcPort), float64(tcp.DstPort)
		features[5] = countTCPFlags(tcp)
		features[8] = float64(tcp.Urgent)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		features[2] = 17 // UDP
		srcPort, dstPort = float64(udp.SrcPort), float64(udp.DstPort)
	} else if packet.Layer(layers.LayerTypeICMPv4) != nil {
		features[2] = 1 // ICMP
	}
	features[3] = srcPort
	features[4] = dstPort

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		features[6] = float64(ip.TTL)
		if ip.SrcIP.Equal(ip.DstIP) && srcPort == dstPort && srcPort != 0 {
			features[9] = 1 // land
		}
	}

	if appLayer := packet.ApplicationLayer(); appLayer != nil {
		features[7] = float64(len(appLayer.Payload()))
	}

	return features
}

var featureNames = []string{
	"packet_size",
	"inter_arrival_time",
	"protocol",
	"src_port",
	"dst_port",
	"tcp_flag_count",
	"ip_ttl",
	"payload_size",
	"urgent",
	"land",
}

// FeatureNames returns the names of extracted features.
func (e *FeatureExtractor) FeatureNames() []string {
	return featureNames
}

// countTCPFlags counts the set TCP control flags, the per-packet analogue of
// the connection-record flag attribute.
func countTCPFlags(tcp *layers.TCP) float64 {
	var n float64
	for _, set := range []bool{tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST, tcp.PSH, tcp.URG} {
		if set {
			n++
		}
	}
	return n
}
