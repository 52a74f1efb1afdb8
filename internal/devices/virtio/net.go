package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/ccnet/internal/devices/pci"
	"github.com/tinyrange/ccnet/internal/fdt"
	"github.com/tinyrange/ccnet/internal/hv"
)

const (
	NetDefaultMMIOBase = 0xd0002000
	NetDefaultMMIOSize = 0x200
	NetDefaultIRQLine  = 7

	netQueueCount    = 2
	netQueueNumMax   = 1024 // virtqueues are sized 1024 entries per side
	netMaxChainSegs  = 256  // VTNET_MAXSEGS: longest descriptor chain we'll walk
	netVendorID      = 0x554d4551 // "QEMU"
	netVersion       = 2
	netDeviceID      = 1
	netInterruptBit  = 0x1
	netQueueReceive  = 0
	netQueueTransmit = 1

	netConfigSize = 10 // mac[6] + status(2) + max_virtqueue_pairs(2)

	virtioNetFeatureMacBit     = 5
	virtioNetFeatureMrgRxbuf   = 15
	virtioNetFeatureStatusBit  = 16
	virtioFNotifyOnEmptyBit    = 24
	virtioRingFIndirectDescBit = 28

	virtioNetStatusLinkUp = 1

	virtqAvailFNoInterrupt = 1

	txBufferPoolMaxSize = 256 << 10

	// txResetPollInterval is how often the TX-quiesce wait in OnResetBegin
	// polls tx_in_progress. Reset is rare, so a simple poll is acceptable.
	txResetPollInterval = 10 * time.Millisecond
)

// NetBackend is the opaque frame-moving collaborator bound to the device at
// construction time: tap, netmap, vhost, or (as wired here) the hand-rolled
// userspace stack in internal/netstack. The frontend never inspects backend
// internals.
type NetBackend interface {
	// HandleTx delivers one outbound Ethernet frame (vnet header already
	// stripped). release must be called exactly once when packet is no
	// longer needed, whether or not HandleTx returns an error.
	HandleTx(packet []byte, release func()) error
}

// netDeviceBinder lets a backend register a push callback for inbound
// frames. NetstackBackend implements this.
type netDeviceBinder interface {
	BindNetDevice(*Net)
}

// Net is a single long-lived virtio-net device instance: one PCI/MMIO
// virtqueue pair, one backend, one TX worker.
type Net struct {
	device device
	base   uint64
	size   uint64

	backend NetBackend

	cfgMu             sync.Mutex
	mac               [6]byte
	linkUp            bool
	maxVirtqueuePairs uint16

	negotiatedFeatures atomic.Uint64
	rxMerge            atomic.Bool
	rxVHdrLen          atomic.Uint32 // 10 or 12, derived from rxMerge

	// resetting is read by the TX worker and the RX path outside any mutex;
	// it is the torn-read-safe flag the concurrency model depends on.
	resetting atomic.Bool

	rxMtx      sync.Mutex
	rxReady    bool
	pendingRx  [][]byte

	txMtx         sync.Mutex
	txCond        *sync.Cond
	txInProgress  bool

	txBufPool sync.Pool
	txSegPool sync.Pool
}

func newNetDevice(mac net.HardwareAddr, backend NetBackend) *Net {
	netdev := &Net{
		backend:           backend,
		linkUp:            true,
		maxVirtqueuePairs: 1,
		txBufPool: sync.Pool{
			New: func() any { return make([]byte, 0, 4096) },
		},
		txSegPool: sync.Pool{
			New: func() any { return make([][]byte, 0, 8) },
		},
	}
	copy(netdev.mac[:], mac)
	netdev.rxMerge.Store(true)
	netdev.rxVHdrLen.Store(12)
	netdev.txCond = sync.NewCond(&netdev.txMtx)
	return netdev
}

func netAdvertisedFeatures() []uint64 {
	return []uint64{
		virtioFeatureVersion1 |
			(uint64(1) << virtioNetFeatureMacBit) |
			(uint64(1) << virtioNetFeatureStatusBit) |
			(uint64(1) << virtioFNotifyOnEmptyBit) |
			(uint64(1) << virtioRingFIndirectDescBit),
	}
}

func NewNet(vm hv.VirtualMachine, base uint64, size uint64, irqLine uint32, mac net.HardwareAddr, backend NetBackend) *Net {
	if len(mac) != 6 {
		panic("virtio net requires 6-byte MAC address")
	}
	if backend == nil {
		backend = &discardNetBackend{}
	}
	netdev := newNetDevice(mac, backend)
	netdev.base, netdev.size = base, size
	netdev.device = newMMIODevice(vm, base, size, irqLine, netDeviceID, netVendorID, netVersion, netAdvertisedFeatures(), netdev)
	if binder, ok := backend.(netDeviceBinder); ok {
		binder.BindNetDevice(netdev)
	}
	go netdev.txWorker()
	return netdev
}

func NewNetPCI(vm hv.VirtualMachine, host *pci.HostBridge, bus, device, function uint8, mac net.HardwareAddr, backend NetBackend) (*Net, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("virtio net requires 6-byte MAC address")
	}
	if backend == nil {
		backend = &discardNetBackend{}
	}
	netdev := newNetDevice(mac, backend)
	pciDev, err := NewVirtioPCIDevice(vm, host, bus, device, function, uint16(netDeviceID), uint16(netDeviceID), netAdvertisedFeatures(), netdev)
	if err != nil {
		return nil, err
	}
	netdev.device = pciDev
	if binder, ok := backend.(netDeviceBinder); ok {
		binder.BindNetDevice(netdev)
	}
	go netdev.txWorker()
	return netdev, nil
}

// Init implements hv.MemoryMappedIODevice.
func (vn *Net) Init(vm hv.VirtualMachine) error {
	if mmio, ok := vn.device.(*mmioDevice); ok && vm != nil {
		mmio.vm = vm
	}
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (vn *Net) MMIORegions() []hv.MMIORegion {
	if vn.size == 0 {
		return nil
	}
	return []hv.MMIORegion{{Address: vn.base, Size: vn.size}}
}

// ReadMMIO dispatches a guest MMIO read to whichever transport backs this
// device (legacy MMIO or PCI BAR-mapped).
func (vn *Net) ReadMMIO(addr uint64, data []byte) error {
	switch dev := vn.device.(type) {
	case *mmioDevice:
		return dev.readMMIO(nil, addr, data)
	case *VirtioPCIDevice:
		return dev.ReadMMIO(addr, data)
	default:
		return fmt.Errorf("virtio-net: device not initialized")
	}
}

// WriteMMIO dispatches a guest MMIO write to whichever transport backs this
// device (legacy MMIO or PCI BAR-mapped).
func (vn *Net) WriteMMIO(addr uint64, data []byte) error {
	switch dev := vn.device.(type) {
	case *mmioDevice:
		return dev.writeMMIO(nil, addr, data)
	case *VirtioPCIDevice:
		return dev.WriteMMIO(addr, data)
	default:
		return fmt.Errorf("virtio-net: device not initialized")
	}
}

func (vn *Net) NumQueues() int { return netQueueCount }

func (vn *Net) QueueMaxSize(int) uint16 { return netQueueNumMax }

// OnResetBegin quiesces both the TX worker and the RX path before the
// transport clears queue pointers, feature state, and MSI-X routing.
func (vn *Net) OnResetBegin(device) {
	vn.resetting.Store(true)

	vn.txMtx.Lock()
	for vn.txInProgress {
		vn.txMtx.Unlock()
		time.Sleep(txResetPollInterval)
		vn.txMtx.Lock()
	}
	vn.txMtx.Unlock()

	// RX work is bounded and runs entirely under rxMtx, so acquiring and
	// releasing it once is sufficient to observe "no RX drain in flight".
	vn.rxMtx.Lock()
	vn.rxMtx.Unlock()
}

// OnReset completes the reset started by OnResetBegin: the transport has
// already cleared queue pointers and negotiated features by this point.
func (vn *Net) OnReset(device) {
	vn.rxMtx.Lock()
	vn.rxReady = false
	vn.pendingRx = nil
	vn.rxMtx.Unlock()

	vn.rxMerge.Store(true)
	vn.rxVHdrLen.Store(12)
	vn.negotiatedFeatures.Store(0)

	vn.cfgMu.Lock()
	vn.linkUp = true
	vn.cfgMu.Unlock()

	vn.resetting.Store(false)

	// Wake the TX worker so it re-evaluates the (now-empty) ring instead of
	// sleeping on a stale wakeup from before the reset.
	vn.txMtx.Lock()
	vn.txCond.Signal()
	vn.txMtx.Unlock()
}

// OnFeaturesNegotiated fires exactly once per negotiation cycle.
func (vn *Net) OnFeaturesNegotiated(_ device, features uint64) {
	vn.negotiatedFeatures.Store(features)
	merged := features&(uint64(1)<<virtioNetFeatureMrgRxbuf) != 0
	vn.rxMerge.Store(merged)
	if merged {
		vn.rxVHdrLen.Store(12)
	} else {
		vn.rxVHdrLen.Store(10)
	}
}

func (vn *Net) headerLen() int {
	return int(vn.rxVHdrLen.Load())
}

func (vn *Net) OnQueueNotify(dev device, queue int) error {
	switch queue {
	case netQueueTransmit:
		return vn.onTxNotify(dev, dev.queue(queue))
	case netQueueReceive:
		return vn.onRxNotify(dev, dev.queue(queue))
	default:
		return nil // ctrlq (index 2) is reserved but never wired
	}
}

// ReadConfig copies bytes from the config shadow (mac[6] + status(2) +
// max_virtqueue_pairs(2)) starting at offset, returning a 4-byte window.
func (vn *Net) ReadConfig(_ device, offset uint64) (uint32, bool, error) {
	cfg := offset
	if cfg >= VIRTIO_MMIO_CONFIG {
		cfg -= VIRTIO_MMIO_CONFIG
	}
	idx := int(cfg)
	if idx < 0 || idx >= netConfigSize {
		return 0, false, nil
	}

	vn.cfgMu.Lock()
	var shadow [netConfigSize]byte
	copy(shadow[0:6], vn.mac[:])
	if vn.linkUp {
		binary.LittleEndian.PutUint16(shadow[6:8], virtioNetStatusLinkUp)
	}
	binary.LittleEndian.PutUint16(shadow[8:10], vn.maxVirtqueuePairs)
	vn.cfgMu.Unlock()

	var w [4]byte
	for i := 0; i < 4; i++ {
		if idx+i < len(shadow) {
			w[i] = shadow[idx+i]
		}
	}
	return binary.LittleEndian.Uint32(w[:]), true, nil
}

// WriteConfig patches whichever bytes of the 4-byte window fall inside the
// MAC field (offsets 0..5); status and max_virtqueue_pairs are read-only and
// any byte landing there is silently dropped.
func (vn *Net) WriteConfig(_ device, offset uint64, value uint32) (bool, error) {
	cfg := offset
	if cfg >= VIRTIO_MMIO_CONFIG {
		cfg -= VIRTIO_MMIO_CONFIG
	}
	base := int(cfg)
	if base < 0 || base >= netConfigSize {
		return false, nil
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)

	vn.cfgMu.Lock()
	patched := false
	for i := 0; i < 4; i++ {
		abs := base + i
		if abs >= 0 && abs < 6 {
			vn.mac[abs] = buf[i]
			patched = true
		}
	}
	vn.cfgMu.Unlock()

	if !patched {
		slog.Debug("virtio-net: write to read-only config bytes ignored", "offset", base)
	}
	return true, nil
}

// EnqueueRxPacket is the backend-driven RX entry point: it corresponds to
// the RX callback of §4.5, invoked whenever the backend has a frame ready.
func (vn *Net) EnqueueRxPacket(packet []byte) error {
	dev := vn.device
	if dev == nil {
		return io.EOF
	}
	q := dev.queue(netQueueReceive)

	vn.rxMtx.Lock()
	defer vn.rxMtx.Unlock()

	if vn.resetting.Load() || !vn.rxReady {
		return nil // discard: neither ring is touched
	}
	if !QueueReady(q) {
		vn.signalRxEmpty(dev, q)
		return nil
	}

	vn.pendingRx = append(vn.pendingRx, append([]byte(nil), packet...))
	return vn.drainRxLocked(dev, q)
}

// onRxNotify implements the rx_ready latch: the first kick flips rx_ready
// and suppresses further notifications (the backend callback is
// authoritative from then on); later kicks are no-ops.
func (vn *Net) onRxNotify(dev device, q *queue) error {
	vn.rxMtx.Lock()
	defer vn.rxMtx.Unlock()
	if vn.rxReady {
		return nil
	}
	vn.rxReady = true
	if QueueReady(q) {
		return dev.setUsedNoNotify(q, true)
	}
	return nil
}

func (vn *Net) drainRxLocked(dev device, q *queue) error {
	if len(vn.pendingRx) == 0 {
		return nil
	}
	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return err
	}

	var delivered int
	for q.lastAvailIdx != availIdx && delivered < len(vn.pendingRx) {
		head, err := dev.readAvailEntry(q, q.lastAvailIdx%q.size)
		if err != nil {
			return err
		}
		written, fit, err := vn.fillRxChain(dev, q, head, vn.pendingRx[delivered])
		if err != nil {
			return err
		}
		if !fit {
			// Retain this chain and the remaining pending frames for the
			// next delivery; nothing is published.
			break
		}
		if err := dev.recordUsedElement(q, head, written); err != nil {
			return err
		}
		q.lastAvailIdx++
		delivered++
	}

	if delivered > 0 {
		vn.pendingRx = append(vn.pendingRx[:0:0], vn.pendingRx[delivered:]...)
	}

	vn.endRxChains(dev, q, delivered > 0)
	return nil
}

// signalRxEmpty handles the case where the RX ring has no descriptors at
// all: one frame is implicitly discarded and the guest is woken if
// NOTIFY_ON_EMPTY was negotiated, regardless of the avail NO_INTERRUPT bit.
func (vn *Net) signalRxEmpty(dev device, q *queue) {
	if vn.negotiatedFeatures.Load()&(uint64(1)<<virtioFNotifyOnEmptyBit) == 0 {
		return
	}
	dev.raiseInterrupt(netInterruptBit)
	_ = q
}

// endRxChains is the single end-of-drain-pass call site: exactly one call
// per drain pass, whether or not it ends up raising an interrupt.
func (vn *Net) endRxChains(dev device, q *queue, published bool) {
	if !published {
		return
	}
	if vn.shouldRaiseInterrupt(dev, q) {
		dev.raiseInterrupt(netInterruptBit)
	}
}

func (vn *Net) fillRxChain(dev device, q *queue, head uint16, packet []byte) (uint32, bool, error) {
	hdrLen := vn.headerLen()
	type rxDesc struct {
		addr   uint64
		length uint32
	}
	var descriptors []rxDesc
	var available uint64

	index := head
	for i := 0; i < netMaxChainSegs; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return 0, false, err
		}
		if desc.flags&virtqDescFWrite == 0 {
			return 0, false, fmt.Errorf("virtio-net: rx descriptor %d not writable", index)
		}
		descriptors = append(descriptors, rxDesc{addr: desc.addr, length: desc.length})
		available += uint64(desc.length)
		if desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}

	if len(descriptors) == 0 {
		return 0, false, fmt.Errorf("virtio-net: rx descriptor chain empty")
	}
	if descriptors[0].length < uint32(hdrLen) {
		return 0, false, fmt.Errorf("virtio-net: rx first descriptor too small for header")
	}

	required := uint64(len(packet)) + uint64(hdrLen)
	if available < required {
		return 0, false, nil
	}

	remaining := packet
	buffersUsed := uint16(1)
	for i, desc := range descriptors {
		if desc.length == 0 {
			continue
		}
		data, err := dev.memSlice(desc.addr, uint64(desc.length))
		if err != nil {
			return 0, false, err
		}
		var written int
		if i == 0 {
			for j := 0; j < hdrLen && j < len(data); j++ {
				data[j] = 0
			}
			copyLen := copy(data[hdrLen:], remaining)
			remaining = remaining[copyLen:]
			if hdrLen == 12 && len(data) >= 12 {
				binary.LittleEndian.PutUint16(data[10:12], buffersUsed)
			}
			written = hdrLen + copyLen
			if written > len(data) {
				written = len(data)
			}
		} else {
			copyLen := copy(data, remaining)
			remaining = remaining[copyLen:]
			written = copyLen
			if copyLen > 0 {
				buffersUsed++
			}
		}
		if written > 0 {
			if err := dev.writeGuest(desc.addr, data[:written]); err != nil {
				return 0, false, fmt.Errorf("write guest memory for rx descriptor %d: %w", i, err)
			}
		}
		if len(remaining) == 0 {
			break
		}
	}
	if len(remaining) != 0 {
		return 0, false, fmt.Errorf("virtio-net: rx bytes remaining after copy")
	}
	return uint32(required), true, nil
}

// txWorker is the dedicated, long-lived TX drain worker (§4.4). It never
// exits: resetting only stalls it in the wait phase.
func (vn *Net) txWorker() {
	dev := vn.device
	for dev == nil {
		time.Sleep(time.Millisecond)
		dev = vn.device
	}
	txQueue := dev.queue(netQueueTransmit)

	vn.txMtx.Lock()
	for {
		for {
			if vn.resetting.Load() {
				vn.txInProgress = false
				vn.txCond.Wait()
				continue
			}
			// Clear NO_NOTIFY, then re-check for work under the same
			// guest-memory round trip: this is the missed-wakeup-safe
			// idiom the TX path depends on.
			_ = dev.setUsedNoNotify(txQueue, false)
			empty, err := vn.txQueueEmpty(dev, txQueue)
			if err == nil && !empty {
				break
			}
			vn.txInProgress = false
			vn.txCond.Wait()
		}

		_ = dev.setUsedNoNotify(txQueue, true)
		vn.txInProgress = true
		vn.txMtx.Unlock()

		processed, err := vn.drainTx(dev, txQueue)
		if err != nil {
			slog.Warn("virtio-net: tx drain error", "err", err)
		}
		vn.endTxChains(dev, txQueue, processed)

		vn.txMtx.Lock()
	}
}

func (vn *Net) txQueueEmpty(dev device, q *queue) (bool, error) {
	if !QueueReady(q) {
		return true, nil
	}
	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return true, err
	}
	return q.lastAvailIdx == availIdx, nil
}

// onTxNotify is the vCPU-thread notify handler: it never performs I/O
// synchronously, only signals the worker.
func (vn *Net) onTxNotify(dev device, q *queue) error {
	if !QueueReady(q) {
		return nil
	}
	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return err
	}
	if q.lastAvailIdx == availIdx {
		return nil // spurious kick
	}

	vn.txMtx.Lock()
	_ = dev.setUsedNoNotify(q, true)
	if !vn.txInProgress {
		vn.txCond.Signal()
	}
	vn.txMtx.Unlock()
	return nil
}

func (vn *Net) drainTx(dev device, q *queue) (uint16, error) {
	if !QueueReady(q) {
		return 0, nil
	}
	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return 0, err
	}

	var processed uint16
	for q.lastAvailIdx != availIdx {
		head, err := dev.readAvailEntry(q, q.lastAvailIdx%q.size)
		if err != nil {
			return processed, err
		}

		packet, release, err := vn.collectTxChain(dev, q, head)
		if err != nil {
			slog.Warn("virtio-net: dropping malformed tx chain", "err", err)
			if err := dev.recordUsedElement(q, head, 0); err != nil {
				return processed, err
			}
			q.lastAvailIdx++
			processed++
			continue
		}

		if err := vn.backend.HandleTx(packet, release); err != nil {
			slog.Warn("virtio-net: backend tx failed", "err", err)
		}
		chainLen := uint32(vn.headerLen() + len(packet))
		if err := dev.recordUsedElement(q, head, chainLen); err != nil {
			return processed, err
		}
		q.lastAvailIdx++
		processed++
	}
	return processed, nil
}

func (vn *Net) collectTxChain(dev device, q *queue, head uint16) ([]byte, func(), error) {
	hdrLen := vn.headerLen()
	headerRemaining := hdrLen

	segments := vn.getTxSegments()
	defer vn.putTxSegments(segments)
	var total int

	index := head
	for i := 0; i < netMaxChainSegs; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return nil, nil, err
		}
		if desc.flags&virtqDescFWrite != 0 {
			return nil, nil, fmt.Errorf("tx descriptor %d unexpectedly writable", index)
		}
		if desc.length > 0 {
			data, err := dev.memSlice(desc.addr, uint64(desc.length))
			if err != nil {
				return nil, nil, err
			}
			if headerRemaining > 0 {
				skip := headerRemaining
				if skip > len(data) {
					skip = len(data)
				}
				headerRemaining -= skip
				data = data[skip:]
			}
			if len(data) > 0 {
				segments = append(segments, data)
				total += len(data)
			}
		}
		if desc.flags&virtqDescFNext == 0 {
			if headerRemaining > 0 {
				return nil, nil, fmt.Errorf("tx header truncated in descriptor %d", index)
			}
			break
		}
		index = desc.next
	}
	if headerRemaining > 0 {
		return nil, nil, fmt.Errorf("tx descriptor chain shorter than header")
	}

	buf := vn.getTxBuffer(total)
	offset := 0
	for _, seg := range segments {
		offset += copy(buf[offset:], seg)
	}

	return buf, vn.makeTxRelease(buf), nil
}

func (vn *Net) getTxBuffer(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > txBufferPoolMaxSize {
		return make([]byte, size)
	}
	if raw := vn.txBufPool.Get(); raw != nil {
		buf := raw.([]byte)
		if cap(buf) >= size {
			return buf[:size]
		}
		vn.txBufPool.Put(buf[:0])
	}
	return make([]byte, size)
}

func (vn *Net) putTxBuffer(buf []byte) {
	if buf == nil || cap(buf) == 0 || cap(buf) > txBufferPoolMaxSize {
		return
	}
	vn.txBufPool.Put(buf[:0])
}

func (vn *Net) getTxSegments() [][]byte {
	if raw := vn.txSegPool.Get(); raw != nil {
		return raw.([][]byte)[:0]
	}
	return make([][]byte, 0, 8)
}

func (vn *Net) putTxSegments(segs [][]byte) {
	for i := range segs {
		segs[i] = nil
	}
	if cap(segs) == 0 || cap(segs) > 32 {
		return
	}
	vn.txSegPool.Put(segs[:0])
}

func (vn *Net) makeTxRelease(buf []byte) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			vn.putTxBuffer(buf)
		})
	}
}

// endTxChains signals end-of-batch to the transport: one call per worker
// wake cycle, regardless of whether an interrupt actually fires.
func (vn *Net) endTxChains(dev device, q *queue, processed uint16) {
	if processed == 0 {
		return
	}
	if vn.shouldRaiseInterrupt(dev, q) {
		dev.raiseInterrupt(netInterruptBit)
	}
}

func (vn *Net) shouldRaiseInterrupt(dev device, q *queue) bool {
	availFlags, _, err := dev.readAvailState(q)
	if err != nil {
		return true // best-effort wakeup on error
	}
	return availFlags&virtqAvailFNoInterrupt == 0
}

type discardNetBackend struct{}

func (d *discardNetBackend) HandleTx(_ []byte, release func()) error {
	if release != nil {
		release()
	}
	return nil
}

// NetTemplate is a template for creating virtio-net devices.
type NetTemplate struct {
	Backend NetBackend
	MAC     net.HardwareAddr
	Arch    hv.CpuArchitecture
	IRQLine uint32
}

func (t NetTemplate) archOrDefault(vm hv.VirtualMachine) hv.CpuArchitecture {
	if t.Arch != "" && t.Arch != hv.ArchitectureInvalid {
		return t.Arch
	}
	if vm != nil && vm.Hypervisor() != nil {
		return vm.Hypervisor().Architecture()
	}
	return hv.ArchitectureInvalid
}

func (t NetTemplate) irqLineForArch(arch hv.CpuArchitecture) uint32 {
	if t.IRQLine != 0 {
		return t.IRQLine
	}
	if arch == hv.ArchitectureARM64 {
		return NetDefaultIRQLine + 1
	}
	return NetDefaultIRQLine
}

// GetLinuxCommandLineParam implements VirtioMMIODevice.
func (t NetTemplate) GetLinuxCommandLineParam() ([]string, error) {
	irqLine := t.irqLineForArch(t.Arch)
	param := fmt.Sprintf("virtio_mmio.device=4k@0x%x:%d", NetDefaultMMIOBase, irqLine)
	return []string{param}, nil
}

// DeviceTreeNodes implements VirtioMMIODevice.
func (t NetTemplate) DeviceTreeNodes() ([]fdt.Node, error) {
	irqLine := t.irqLineForArch(t.Arch)
	node := fdt.Node{
		Name: fmt.Sprintf("virtio@%x", NetDefaultMMIOBase),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"virtio,mmio"}},
			"reg":        {U64: []uint64{NetDefaultMMIOBase, NetDefaultMMIOSize}},
			"interrupts": {U32: []uint32{0, irqLine, 4}},
			"status":     {Strings: []string{"okay"}},
		},
	}
	return []fdt.Node{node}, nil
}

// GetACPIDeviceInfo implements VirtioMMIODevice.
func (t NetTemplate) GetACPIDeviceInfo() ACPIDeviceInfo {
	irqLine := t.irqLineForArch(t.archOrDefault(nil))
	return ACPIDeviceInfo{
		BaseAddr: NetDefaultMMIOBase,
		Size:     NetDefaultMMIOSize,
		GSI:      irqLine,
	}
}

func (t NetTemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	arch := t.archOrDefault(vm)
	irqLine := t.irqLineForArch(arch)
	mac := t.MAC
	if mac == nil || len(mac) != 6 {
		mac = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	backend := t.Backend
	if backend == nil {
		backend = &discardNetBackend{}
	}
	netdev := NewNet(vm, NetDefaultMMIOBase, NetDefaultMMIOSize, EncodeIRQLineForArch(arch, irqLine), mac, backend)
	if err := netdev.Init(vm); err != nil {
		return nil, fmt.Errorf("virtio-net: initialize device: %w", err)
	}
	return netdev, nil
}

var (
	_ hv.DeviceTemplate = NetTemplate{}
	_ VirtioMMIODevice  = NetTemplate{}
	_ deviceHandler     = (*Net)(nil)
)
