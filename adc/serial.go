package adc

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tarm/serial"
)

// DefaultBaud is the baud rate the reference sampler firmware uses.
const DefaultBaud = 115200

// Sampler reads raw samples from an external sampling MCU attached over a
// serial port. The MCU streams one frame per sweep, a newline-terminated
// list of comma separated raw codes:
//
//	"2048,2051,2047,4095\n"
//
// The most recent complete frame is cached and ReadRaw serves from the
// cache, so reads never block on the wire.
type Sampler struct {
	port *serial.Port

	mu     sync.RWMutex
	frame  []uint16
	closed bool
}

// OpenSampler opens the serial port and starts the background reader.
func OpenSampler(portName string, baud int) (*Sampler, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	port, err := serial.OpenPort(&serial.Config{Name: portName, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %v", portName, err)
	}

	s := &Sampler{port: port}
	go s.readFrames()
	return s, nil
}

// Close stops the background reader and closes the port.
func (s *Sampler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.port.Close()
}

// ReadRaw returns the given channel's code from the most recent frame, or 0
// if no frame carrying that channel has arrived yet.
func (s *Sampler) ReadRaw(channel int) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if channel < 0 || channel >= len(s.frame) {
		return 0
	}
	return s.frame[channel]
}

func (s *Sampler) readFrames() {
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		frame, err := parseFrame(scanner.Text())
		if err != nil {
			log.Debugf("sampler: dropping frame: %v", err)
			continue
		}
		s.mu.Lock()
		s.frame = frame
		s.mu.Unlock()
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if err := scanner.Err(); err != nil && !closed {
		log.Errorf("sampler: serial read failed: %v", err)
	}
}

// parseFrame parses one comma separated frame of raw codes.
func parseFrame(line string) ([]uint16, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty frame")
	}

	fields := strings.Split(line, ",")
	frame := make([]uint16, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad raw code %q: %v", f, err)
		}
		frame[i] = uint16(v)
	}
	return frame, nil
}
