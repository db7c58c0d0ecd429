package tapcap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/gen2brain/malgo"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

// wasapiHost enumerates endpoints through the MMDevice API and captures a
// render endpoint through a miniaudio loopback device.
//
// The tap is the resolved playback device, the aggregate device is the
// loopback capture device opened on it.
type wasapiHost struct {
	logger *zap.SugaredLogger

	mmDeviceEnumerator   *wca.IMMDeviceEnumerator
	mmNotificationClient *wca.IMMNotificationClient

	ctx *malgo.AllocatedContext

	mu      sync.Mutex
	nextID  ObjectID
	taps    map[ObjectID]*wasapiTap
	devices map[ObjectID]*wasapiDevice
}

type wasapiTap struct {
	endpointID string
	deviceID   malgo.DeviceID
}

type wasapiDevice struct {
	tap      ObjectID
	device   *malgo.Device
	slot     *ioSlot
	proc     IOProcID
	stopping atomic.Bool
}

// NewHost initializes COM, the endpoint enumerator and a WASAPI miniaudio context.
func NewHost(logger *zap.SugaredLogger) (Host, error) {
	h := &wasapiHost{
		logger:  logger.Named("host"),
		nextID:  1,
		taps:    map[ObjectID]*wasapiTap{},
		devices: map[ObjectID]*wasapiDevice{},
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == eFalse {
			h.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
		} else {
			h.logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return nil, fmt.Errorf("call CoInitializeEx: %w: %w", ErrDeviceQueryFailed, err)
		}
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&h.mmDeviceEnumerator,
	); err != nil {
		h.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return nil, fmt.Errorf("call CoCreateInstance: %w: %w", ErrDeviceQueryFailed, err)
	}

	if err := h.registerDeviceChangeCallback(); err != nil {
		h.logger.Warnw("Failed to register device change callback", "error", err)
	}

	ctx, err := malgo.InitContext([]malgo.Backend{malgo.BackendWasapi}, malgo.ContextConfig{}, func(message string) {
		h.logger.Debugw("miniaudio", "message", message)
	})
	if err != nil {
		h.release()
		h.logger.Warnw("Failed to initialize miniaudio context", "error", err)
		return nil, fmt.Errorf("init miniaudio context: %w: %w", ErrDeviceQueryFailed, err)
	}
	h.ctx = ctx

	h.logger.Debug("Created WASAPI host instance")

	return h, nil
}

func (h *wasapiHost) registerDeviceChangeCallback() error {
	callback := wca.IMMNotificationClientCallback{
		OnDeviceAdded:          func(string) error { return nil },
		OnDeviceRemoved:        h.deviceRemovedCallback,
		OnDeviceStateChanged:   h.deviceStateChangedCallback,
		OnDefaultDeviceChanged: func(wca.EDataFlow, wca.ERole, string) error { return nil },
	}

	h.mmNotificationClient = wca.NewIMMNotificationClient(callback)

	if err := h.mmDeviceEnumerator.RegisterEndpointNotificationCallback(h.mmNotificationClient); err != nil {
		h.mmNotificationClient = nil
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

func (h *wasapiHost) deviceRemovedCallback(pwstrDeviceId string) error {
	h.endpointGone(pwstrDeviceId, "removed")
	return nil
}

func (h *wasapiHost) deviceStateChangedCallback(pwstrDeviceId string, dwNewState uint32) error {
	if dwNewState != wca.DEVICE_STATE_ACTIVE {
		h.endpointGone(pwstrDeviceId, "deactivated")
	}
	return nil
}

// endpointGone reports loss on every running capture of the endpoint.
func (h *wasapiHost) endpointGone(endpointID string, reason string) {
	h.mu.Lock()
	var lost []*wasapiDevice
	for _, d := range h.devices {
		if t, ok := h.taps[d.tap]; ok && t.endpointID == endpointID {
			lost = append(lost, d)
		}
	}
	h.mu.Unlock()

	for _, d := range lost {
		h.logger.Warnw("Tapped endpoint went away", "endpoint", endpointID, "reason", reason)
		d.slot.lost(fmt.Errorf("endpoint %s %s: %w", endpointID, reason, StatusBadDevice))
	}
}

func (h *wasapiHost) Endpoints() ([]Endpoint, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := h.mmDeviceEnumerator.EnumAudioEndpoints(wca.EAll, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		h.logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32

	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		h.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	endpoints := make([]Endpoint, 0, deviceCount)

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		endpoint, err := h.describeEndpoint(deviceCollection, deviceIdx)
		if err != nil {
			return nil, err
		}

		endpoints = append(endpoints, endpoint)
	}

	return endpoints, nil
}

func (h *wasapiHost) describeEndpoint(deviceCollection *wca.IMMDeviceCollection, deviceIdx uint32) (Endpoint, error) {
	var mmDevice *wca.IMMDevice

	if err := deviceCollection.Item(deviceIdx, &mmDevice); err != nil {
		h.logger.Warnw("Failed to get device from device collection", "deviceIdx", deviceIdx, "error", err)
		return Endpoint{}, fmt.Errorf("get device %d from device collection: %w", deviceIdx, err)
	}
	defer mmDevice.Release()

	var endpointID string
	if err := mmDevice.GetId(&endpointID); err != nil {
		return Endpoint{}, fmt.Errorf("get device %d endpointID: %w", deviceIdx, err)
	}

	friendlyName, err := h.getFriendlyName(mmDevice)
	if err != nil {
		return Endpoint{}, fmt.Errorf("get device %d name: %w", deviceIdx, err)
	}

	// the IMMEndpoint interface tells render and capture devices apart
	dispatch, err := mmDevice.QueryInterface(wca.IID_IMMEndpoint)
	if err != nil {
		return Endpoint{}, fmt.Errorf("query device %d IMMEndpoint: %w", deviceIdx, err)
	}

	endpointType := (*wca.IMMEndpoint)(dispatch)
	defer endpointType.Release()

	var dataFlow uint32
	if err := endpointType.GetDataFlow(&dataFlow); err != nil {
		return Endpoint{}, fmt.Errorf("get device %d data flow: %w", deviceIdx, err)
	}

	h.logger.Debugw("Enumerated device info",
		"deviceIdx", deviceIdx,
		"deviceFriendlyName", friendlyName,
		"dataFlow", dataFlow)

	return Endpoint{
		ID:       ObjectID(deviceIdx),
		Name:     friendlyName,
		UID:      endpointID,
		IsOutput: dataFlow == wca.ERender,
		IsInput:  dataFlow == wca.ECapture,
	}, nil
}

func (h *wasapiHost) getFriendlyName(mmDevice *wca.IMMDevice) (string, error) {
	var propertyStore *wca.IPropertyStore

	if err := mmDevice.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	// i.e. "Headphones (Realtek Audio)"
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	return value.String(), nil
}

func (h *wasapiHost) DefaultOutputUID() (string, error) {
	var mmOutDevice *wca.IMMDevice

	if err := h.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmOutDevice); err != nil {
		h.logger.Warnw("Failed to call GetDefaultAudioEndpoint (out)", "error", err)
		return "", fmt.Errorf("call GetDefaultAudioEndpoint (out): %w", err)
	}
	defer mmOutDevice.Release()

	var endpointID string
	if err := mmOutDevice.GetId(&endpointID); err != nil {
		return "", fmt.Errorf("get default output endpointID: %w", err)
	}

	return endpointID, nil
}

// CreateTap finds the miniaudio playback device matching the endpoint's friendly name.
func (h *wasapiHost) CreateTap(sink Endpoint) (ObjectID, error) {
	infos, err := h.ctx.Devices(malgo.Playback)
	if err != nil {
		h.logger.Warnw("Failed to list playback devices", "error", err)
		return 0, fmt.Errorf("list playback devices: %w: %w", StatusNotReady, err)
	}

	for _, info := range infos {
		if info.Name() != sink.Name {
			continue
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		id := h.nextID
		h.nextID++
		h.taps[id] = &wasapiTap{endpointID: sink.UID, deviceID: info.ID}

		h.logger.Debugw("Created tap", "id", id, "endpoint", sink.UID, "name", sink.Name)

		return id, nil
	}

	return 0, fmt.Errorf("no playback device named %q: %w", sink.Name, StatusBadDevice)
}

func (h *wasapiHost) DestroyTap(tap ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taps[tap]; !ok {
		return fmt.Errorf("destroy tap %d: %w", tap, StatusBadObject)
	}
	delete(h.taps, tap)

	return nil
}

func (h *wasapiHost) CreateAggregateDevice(tap ObjectID, format StreamFormat, frameSize int) (ObjectID, error) {
	h.mu.Lock()
	t, ok := h.taps[tap]
	h.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("create loopback device on tap %d: %w", tap, StatusBadObject)
	}

	d := &wasapiDevice{tap: tap, slot: &ioSlot{}}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Loopback)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.Capture.DeviceID = t.deviceID.Pointer()
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(frameSize)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			d.slot.data(pInputSamples)
		},
		Stop: func() {
			if !d.stopping.Load() {
				d.slot.lost(fmt.Errorf("loopback device stopped: %w", StatusNotRunning))
			}
		},
	}

	device, err := malgo.InitDevice(h.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		h.logger.Warnw("Failed to init loopback device", "error", err)
		return 0, fmt.Errorf("init loopback device: %w: %w", StatusUnsupportedFormat, err)
	}
	d.device = device

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.devices[id] = d

	h.logger.Debugw("Created loopback device", "id", id, "format", format.String())

	return id, nil
}

func (h *wasapiHost) DestroyAggregateDevice(device ObjectID) error {
	h.mu.Lock()
	d, ok := h.devices[device]
	delete(h.devices, device)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy loopback device %d: %w", device, StatusBadObject)
	}

	d.stopping.Store(true)
	d.device.Uninit()

	return nil
}

func (h *wasapiHost) device(device ObjectID) (*wasapiDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[device]
	if !ok {
		return nil, fmt.Errorf("loopback device %d: %w", device, StatusBadObject)
	}
	return d, nil
}

func (h *wasapiHost) CreateIOProc(device ObjectID, callbacks IOCallbacks) (IOProcID, error) {
	d, err := h.device(device)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if d.proc != 0 {
		return 0, fmt.Errorf("loopback device %d already has a callback: %w", device, StatusIllegalOperation)
	}

	d.slot.set(callbacks)
	d.proc = IOProcID(device)

	return d.proc, nil
}

func (h *wasapiHost) DestroyIOProc(device ObjectID, proc IOProcID) error {
	d, err := h.device(device)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if d.proc != proc {
		return fmt.Errorf("callback %d on loopback device %d: %w", proc, device, StatusBadObject)
	}

	d.slot.clear()
	d.proc = 0

	return nil
}

func (h *wasapiHost) StartDevice(device ObjectID, proc IOProcID) error {
	d, err := h.device(device)
	if err != nil {
		return err
	}

	d.stopping.Store(false)

	if err := d.device.Start(); err != nil {
		h.logger.Warnw("Failed to start loopback device", "id", device, "error", err)
		return fmt.Errorf("start loopback device: %w: %w", StatusNotRunning, err)
	}

	return nil
}

func (h *wasapiHost) StopDevice(device ObjectID, proc IOProcID) error {
	d, err := h.device(device)
	if err != nil {
		return err
	}

	d.stopping.Store(true)

	if err := d.device.Stop(); err != nil {
		h.logger.Warnw("Failed to stop loopback device", "id", device, "error", err)
		return fmt.Errorf("stop loopback device: %w", err)
	}

	return nil
}

func (h *wasapiHost) release() {
	if h.mmNotificationClient != nil {
		_ = h.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(h.mmNotificationClient)
	}

	if h.mmDeviceEnumerator != nil {
		h.mmDeviceEnumerator.Release()
	}

	ole.CoUninitialize()
}

func (h *wasapiHost) Close() error {
	if h.ctx != nil {
		_ = h.ctx.Uninit()
		h.ctx.Free()
	}

	h.release()

	h.logger.Debug("Released WASAPI host instance")

	return nil
}
