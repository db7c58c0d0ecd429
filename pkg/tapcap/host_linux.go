package tapcap

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// paHost taps PulseAudio (or PipeWire's pulse server).
//
// A tap is a module-remap-source on the sink's monitor, so it has its own
// source that can disappear with the sink. The aggregate device is a corked
// record stream on that source.
type paHost struct {
	logger *zap.SugaredLogger
	client *pulse.Client

	mu      sync.Mutex
	nextID  ObjectID
	taps    map[ObjectID]*paTap
	devices map[ObjectID]*paDevice
}

type paTap struct {
	module     uint32
	sourceName string
}

type paDevice struct {
	tap    ObjectID
	stream *pulse.RecordStream
	slot   *ioSlot
	proc   IOProcID

	stopWatch chan struct{}
	watchDone chan struct{}
}

// paWriter feeds record stream data into the device's callback slot.
// PulseAudio delivers it on the client's read goroutine.
type paWriter struct {
	slot *ioSlot
}

func (w *paWriter) Write(buf []byte) (int, error) {
	w.slot.data(buf)
	return len(buf), nil
}

func (w *paWriter) Format() byte {
	return proto.FormatFloat32LE
}

const (
	paClientName    = "tapcap"
	paTapPrefix     = "tapcap."
	paWatchInterval = 500 * time.Millisecond
)

// paChannelMaps are the layouts a record stream is opened with, in the
// interleaving order the consumer sees.
var paChannelMaps = map[int]proto.ChannelMap{
	1: {proto.ChannelMono},
	2: {proto.ChannelLeft, proto.ChannelRight},
	6: {
		proto.ChannelFrontLeft, proto.ChannelFrontRight, proto.ChannelFrontCenter,
		proto.ChannelLFE, proto.ChannelRearLeft, proto.ChannelRearRight,
	},
	8: {
		proto.ChannelFrontLeft, proto.ChannelFrontRight, proto.ChannelFrontCenter,
		proto.ChannelLFE, proto.ChannelRearLeft, proto.ChannelRearRight,
		proto.ChannelLeftSide, proto.ChannelRightSide,
	},
}

// NewHost connects to the PulseAudio server.
func NewHost(logger *zap.SugaredLogger) (Host, error) {
	logger = logger.Named("host")

	client, err := pulse.NewClient(pulse.ClientApplicationName(paClientName))
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w: %w", ErrDeviceQueryFailed, err)
	}

	h := &paHost{
		logger:  logger,
		client:  client,
		nextID:  1,
		taps:    map[ObjectID]*paTap{},
		devices: map[ObjectID]*paDevice{},
	}

	logger.Debug("Created PA host instance")

	return h, nil
}

func (h *paHost) Endpoints() ([]Endpoint, error) {
	sinks := proto.GetSinkInfoListReply{}
	if err := h.client.RawRequest(&proto.GetSinkInfoList{}, &sinks); err != nil {
		h.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	sources := proto.GetSourceInfoListReply{}
	if err := h.client.RawRequest(&proto.GetSourceInfoList{}, &sources); err != nil {
		h.logger.Warnw("Failed to get source list", "error", err)
		return nil, fmt.Errorf("get source list: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(sinks)+len(sources))

	for _, info := range sinks {
		endpoints = append(endpoints, Endpoint{
			ID:          ObjectID(info.SinkIndex),
			Name:        describe(info.Properties, info.SinkName),
			UID:         info.SinkName,
			IsOutput:    true,
			IsAggregate: strings.Contains(info.Driver, "combine"),
		})
	}

	for _, info := range sources {
		// monitors are reached through their sink
		if class, ok := info.Properties["device.class"]; ok && class.String() == "monitor" {
			continue
		}

		endpoints = append(endpoints, Endpoint{
			ID:          ObjectID(info.SourceIndex),
			Name:        describe(info.Properties, info.SourceName),
			UID:         info.SourceName,
			IsInput:     true,
			IsAggregate: strings.HasPrefix(info.SourceName, paTapPrefix),
		})
	}

	return endpoints, nil
}

func describe(props proto.PropList, fallback string) string {
	if desc, ok := props["device.description"]; ok && desc.String() != "" {
		return desc.String()
	}
	return fallback
}

func (h *paHost) SupportsChannels(channels int) bool {
	_, ok := paChannelMaps[channels]
	return ok
}

func (h *paHost) DefaultOutputUID() (string, error) {
	sink, err := h.client.DefaultSink()
	if err != nil {
		h.logger.Warnw("Failed to get default sink", "error", err)
		return "", fmt.Errorf("get default sink: %w", err)
	}

	return sink.ID(), nil
}

func (h *paHost) CreateTap(sink Endpoint) (ObjectID, error) {
	sourceName := paTapPrefix + uuid.NewString()
	args := fmt.Sprintf("master=%s.monitor source_name=%s source_properties=device.description=tapcap-%s",
		sink.UID, sourceName, sink.UID)

	reply := proto.LoadModuleReply{}
	if err := h.client.RawRequest(&proto.LoadModule{Name: "module-remap-source", Args: args}, &reply); err != nil {
		h.logger.Warnw("Failed to load remap source module", "sink", sink.UID, "error", err)
		return 0, fmt.Errorf("load module-remap-source for %s: %w: %w", sink.UID, StatusBadDevice, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.taps[id] = &paTap{module: reply.ModuleIndex, sourceName: sourceName}

	h.logger.Debugw("Created tap", "id", id, "module", reply.ModuleIndex, "source", sourceName)

	return id, nil
}

func (h *paHost) DestroyTap(tap ObjectID) error {
	h.mu.Lock()
	t, ok := h.taps[tap]
	delete(h.taps, tap)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy tap %d: %w", tap, StatusBadObject)
	}

	if err := h.client.RawRequest(&proto.UnloadModule{ModuleIndex: t.module}, nil); err != nil {
		h.logger.Warnw("Failed to unload remap source module", "module", t.module, "error", err)
		return fmt.Errorf("unload module %d: %w", t.module, err)
	}

	h.logger.Debugw("Destroyed tap", "id", tap, "module", t.module)

	return nil
}

func (h *paHost) CreateAggregateDevice(tap ObjectID, format StreamFormat, frameSize int) (ObjectID, error) {
	h.mu.Lock()
	t, ok := h.taps[tap]
	h.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("create record stream on tap %d: %w", tap, StatusBadObject)
	}

	channelMap, ok := paChannelMaps[format.Channels]
	if !ok {
		return 0, fmt.Errorf("%d channel capture: %w", format.Channels, StatusUnsupportedFormat)
	}

	source, err := h.client.SourceByID(t.sourceName)
	if err != nil {
		h.logger.Warnw("Failed to find tap source", "source", t.sourceName, "error", err)
		return 0, fmt.Errorf("find tap source %s: %w: %w", t.sourceName, StatusBadDevice, err)
	}

	slot := &ioSlot{}

	stream, err := h.client.NewRecord(&paWriter{slot: slot},
		pulse.RecordSource(source),
		pulse.RecordChannels(channelMap),
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(frameSize*format.BytesPerFrame())),
		pulse.RecordMediaName("tapcap capture"),
	)
	if err != nil {
		h.logger.Warnw("Failed to create record stream", "source", t.sourceName, "error", err)
		return 0, fmt.Errorf("create record stream: %w: %w", StatusBadStream, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.devices[id] = &paDevice{tap: tap, stream: stream, slot: slot}

	h.logger.Debugw("Created record stream", "id", id, "source", t.sourceName, "format", format.String())

	return id, nil
}

func (h *paHost) DestroyAggregateDevice(device ObjectID) error {
	h.mu.Lock()
	d, ok := h.devices[device]
	delete(h.devices, device)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy record stream %d: %w", device, StatusBadObject)
	}

	d.stream.Close()

	h.logger.Debugw("Closed record stream", "id", device)

	return nil
}

func (h *paHost) device(device ObjectID) (*paDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[device]
	if !ok {
		return nil, fmt.Errorf("record stream %d: %w", device, StatusBadObject)
	}
	return d, nil
}

func (h *paHost) CreateIOProc(device ObjectID, callbacks IOCallbacks) (IOProcID, error) {
	d, err := h.device(device)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if d.proc != 0 {
		return 0, fmt.Errorf("record stream %d already has a callback: %w", device, StatusIllegalOperation)
	}

	d.slot.set(callbacks)
	d.proc = IOProcID(device)

	return d.proc, nil
}

func (h *paHost) DestroyIOProc(device ObjectID, proc IOProcID) error {
	d, err := h.device(device)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if d.proc != proc {
		return fmt.Errorf("callback %d on record stream %d: %w", proc, device, StatusBadObject)
	}

	d.slot.clear()
	d.proc = 0

	return nil
}

func (h *paHost) StartDevice(device ObjectID, proc IOProcID) error {
	d, err := h.device(device)
	if err != nil {
		return err
	}

	d.stream.Start()
	if err := d.stream.Error(); err != nil {
		h.logger.Warnw("Failed to start record stream", "id", device, "error", err)
		return fmt.Errorf("start record stream: %w: %w", StatusNotRunning, err)
	}

	d.stopWatch = make(chan struct{})
	d.watchDone = make(chan struct{})
	go h.watch(d)

	h.logger.Debugw("Started record stream", "id", device)

	return nil
}

func (h *paHost) StopDevice(device ObjectID, proc IOProcID) error {
	d, err := h.device(device)
	if err != nil {
		return err
	}

	if d.stopWatch != nil {
		close(d.stopWatch)
		<-d.watchDone
		d.stopWatch = nil
	}

	d.stream.Stop()

	h.logger.Debugw("Stopped record stream", "id", device)

	return nil
}

// watch reports the tap as lost when the stream fails or its source goes
// away, which happens when the tapped sink is unplugged.
func (h *paHost) watch(d *paDevice) {
	defer close(d.watchDone)

	h.mu.Lock()
	sourceName := ""
	if t, ok := h.taps[d.tap]; ok {
		sourceName = t.sourceName
	}
	h.mu.Unlock()

	ticker := time.NewTicker(paWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopWatch:
			return
		case <-ticker.C:
		}

		if err := d.stream.Error(); err != nil {
			h.logger.Warnw("Record stream failed", "error", err)
			d.slot.lost(err)
			return
		}

		if !d.stream.Running() {
			d.slot.lost(fmt.Errorf("record stream stopped: %w", StatusNotRunning))
			return
		}

		if _, err := h.client.SourceByID(sourceName); err != nil {
			h.logger.Warnw("Tap source disappeared", "source", sourceName, "error", err)
			d.slot.lost(fmt.Errorf("tap source %s: %w", sourceName, errors.Join(StatusBadDevice, err)))
			return
		}
	}
}

func (h *paHost) Close() error {
	h.client.Close()

	h.logger.Debug("Released PA host instance")

	return nil
}
