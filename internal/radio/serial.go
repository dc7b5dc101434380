package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrDriverClosed is returned for requests issued after (or interrupted by) Close.
var ErrDriverClosed = errors.New("radio driver closed")

const serialRespTimeout = 20 * time.Second

// CommandError is an "err" reply from the co-processor.
type CommandError struct {
	Verb    string
	Address string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Verb, e.Address, e.Message)
}

type serialReply struct {
	ok      bool
	fields  map[string]string
	message string
}

// SerialDriver implements Driver over a BLE co-processor dongle speaking a
// line-oriented text protocol on a serial port.
//
//	host -> dongle: <tag> <verb> <addr> [arg]
//	dongle -> host: <tag> ok [key=value ...] | <tag> err <message> | * lost <addr>
type SerialDriver struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	tag     atomic.Uint32
	pending map[string]chan serialReply
	pendMu  sync.Mutex
	writeMu sync.Mutex

	// Handles by address, for link-lost indications.
	devices map[string]*serialDevice
	devMu   sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSerialDriver opens the co-processor's serial port.
func NewSerialDriver(portName string, baudRate int, logger *slog.Logger) (*SerialDriver, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial radio: open %s: %w", portName, err)
	}

	// USB CDC ACM dongles only talk once DTR is asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return newSerialDriver(port, logger), nil
}

func newSerialDriver(port io.ReadWriteCloser, logger *slog.Logger) *SerialDriver {
	d := &SerialDriver{
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger.With("component", "radio"),
		pending: make(map[string]chan serialReply),
		devices: make(map[string]*serialDevice),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

// Discover asks the dongle to locate the device.
func (d *SerialDriver) Discover(ctx context.Context, address string) (Device, error) {
	address = strings.ToUpper(address)
	if _, err := d.request(ctx, "discover", address); err != nil {
		return nil, err
	}

	dev := &serialDevice{drv: d, addr: address}
	d.devMu.Lock()
	d.devices[address] = dev
	d.devMu.Unlock()
	return dev, nil
}

// Close stops the read loop, closes the port and fails pending requests.
func (d *SerialDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.port.Close()
		d.wg.Wait()

		d.pendMu.Lock()
		for tag, ch := range d.pending {
			close(ch)
			delete(d.pending, tag)
		}
		d.pendMu.Unlock()
	})
	return err
}

func (d *SerialDriver) request(ctx context.Context, verb, address string, args ...string) (map[string]string, error) {
	tag := strconv.FormatUint(uint64(d.tag.Add(1)), 16)

	ch := make(chan serialReply, 1)
	d.pendMu.Lock()
	d.pending[tag] = ch
	d.pendMu.Unlock()
	defer func() {
		d.pendMu.Lock()
		delete(d.pending, tag)
		d.pendMu.Unlock()
	}()

	line := strings.Join(append([]string{tag, verb, address}, args...), " ") + "\n"
	d.writeMu.Lock()
	_, err := io.WriteString(d.port, line)
	d.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("serial radio: write %s: %w", verb, err)
	}
	d.logger.Debug("radio request", "tag", tag, "verb", verb, "addr", address)

	timer := time.NewTimer(serialRespTimeout)
	defer timer.Stop()

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrDriverClosed
		}
		if !r.ok {
			return nil, &CommandError{Verb: verb, Address: address, Message: r.message}
		}
		return r.fields, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrDriverClosed
	case <-timer.C:
		return nil, fmt.Errorf("serial radio: %s %s: no response after %s", verb, address, serialRespTimeout)
	}
}

func (d *SerialDriver) readLoop() {
	defer d.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-d.done:
			return
		default:
		}

		line, err := d.reader.ReadString('\n')
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				d.logger.Error("radio read error", "err", err)
			}
			if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			select {
			case <-time.After(backoff):
			case <-d.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		d.handleLine(strings.TrimSpace(line))
	}
}

func (d *SerialDriver) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}

	if fields[0] == "*" {
		d.handleIndication(fields[1:])
		return
	}

	tag := fields[0]
	var r serialReply
	switch fields[1] {
	case "ok":
		r.ok = true
		r.fields = parseKeyValues(fields[2:])
	case "err":
		r.message = strings.Join(fields[2:], " ")
	default:
		d.logger.Warn("radio reply with unknown status", "line", line)
		return
	}

	d.pendMu.Lock()
	ch, ok := d.pending[tag]
	d.pendMu.Unlock()
	if !ok {
		d.logger.Warn("radio orphaned reply (too late)", "tag", tag, "line", line)
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (d *SerialDriver) handleIndication(fields []string) {
	if len(fields) < 2 || fields[0] != "lost" {
		d.logger.Debug("radio indication ignored", "fields", fields)
		return
	}
	addr := strings.ToUpper(fields[1])
	d.devMu.Lock()
	dev, ok := d.devices[addr]
	d.devMu.Unlock()
	if ok {
		dev.lost.Store(true)
		d.logger.Info("radio link lost", "addr", addr)
	}
}

func parseKeyValues(fields []string) map[string]string {
	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		kv[k] = v
	}
	return kv
}

func parseInfo(kv map[string]string) (Info, error) {
	var info Info
	valve, err := strconv.Atoi(kv["valve"])
	if err != nil {
		return info, fmt.Errorf("parse valve: %w", err)
	}
	target, err := strconv.ParseFloat(kv["target"], 64)
	if err != nil {
		return info, fmt.Errorf("parse target: %w", err)
	}
	info.ValvePosition = valve
	info.TargetTemperature = target
	info.Status.Manual = kv["manual"] == "1"
	info.Status.Boost = kv["boost"] == "1"
	return info, nil
}

// serialDevice is a Device bound to one address on a SerialDriver.
type serialDevice struct {
	drv  *SerialDriver
	addr string
	lost atomic.Bool
}

func (s *serialDevice) Address() string { return s.addr }

func (s *serialDevice) Connect(ctx context.Context) error {
	s.lost.Store(false)
	_, err := s.drv.request(ctx, "connect", s.addr)
	return err
}

func (s *serialDevice) Info(ctx context.Context) (Info, error) {
	if s.lost.Load() {
		return Info{}, ErrLinkLost
	}
	kv, err := s.drv.request(ctx, "info", s.addr)
	if err != nil {
		return Info{}, err
	}
	return parseInfo(kv)
}

func (s *serialDevice) SetTemperature(ctx context.Context, celsius float64) error {
	return s.command(ctx, "temp", strconv.FormatFloat(celsius, 'f', 1, 64))
}

func (s *serialDevice) TurnOn(ctx context.Context) error      { return s.command(ctx, "on") }
func (s *serialDevice) TurnOff(ctx context.Context) error     { return s.command(ctx, "off") }
func (s *serialDevice) SetAutoMode(ctx context.Context) error { return s.command(ctx, "auto") }

func (s *serialDevice) command(ctx context.Context, verb string, args ...string) error {
	if s.lost.Load() {
		return ErrLinkLost
	}
	_, err := s.drv.request(ctx, verb, s.addr, args...)
	return err
}

func (s *serialDevice) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.drv.devMu.Lock()
	if s.drv.devices[s.addr] == s {
		delete(s.drv.devices, s.addr)
	}
	s.drv.devMu.Unlock()

	if s.lost.Load() {
		return nil
	}
	_, err := s.drv.request(ctx, "disconnect", s.addr)
	return err
}
