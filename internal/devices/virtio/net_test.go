package virtio

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/tinyrange/ccnet/internal/hv"
)

const (
	testNetBase = NetDefaultMMIOBase
	testNetSize = 0x200
)

type netBackendStub struct {
	mu      chan struct{}
	packets [][]byte
}

func newNetBackendStub() *netBackendStub {
	return &netBackendStub{mu: make(chan struct{}, 64)}
}

func (n *netBackendStub) HandleTx(packet []byte, release func()) error {
	n.packets = append(n.packets, append([]byte(nil), packet...))
	if release != nil {
		release()
	}
	select {
	case n.mu <- struct{}{}:
	default:
	}
	return nil
}

func (n *netBackendStub) waitForPacket(t *testing.T) {
	t.Helper()
	select {
	case <-n.mu:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for tx worker to process packet")
	}
}

// mockVM implements hv.VirtualMachine for testing
type mockVM struct {
	mem  []byte
	base uint64
}

// SetIRQ implements [hv.VirtualMachine].
func (m *mockVM) SetIRQ(irqLine uint32, level bool) error {
	return nil
}

func newMockVM() *mockVM {
	return &mockVM{
		mem:  make([]byte, 0x1000000), // 16MB
		base: 0,
	}
}

func (m *mockVM) ReadAt(p []byte, off int64) (int, error) {
	idx := int(off - int64(m.base))
	if idx < 0 || idx >= len(m.mem) {
		return 0, nil
	}
	if idx+len(p) > len(m.mem) {
		p = p[:len(m.mem)-idx]
	}
	return copy(p, m.mem[idx:]), nil
}

func (m *mockVM) WriteAt(p []byte, off int64) (int, error) {
	idx := int(off - int64(m.base))
	if idx < 0 {
		return 0, nil
	}
	if idx >= len(m.mem) {
		return 0, nil
	}
	if idx+len(p) > len(m.mem) {
		p = p[:len(m.mem)-idx]
	}
	return copy(m.mem[idx:], p), nil
}

func (m *mockVM) Close() error {
	return nil
}

func (m *mockVM) Hypervisor() hv.Hypervisor {
	return nil
}

func (m *mockVM) MemorySize() uint64 {
	return uint64(len(m.mem))
}

func (m *mockVM) MemoryBase() uint64 {
	return m.base
}

func (m *mockVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	return nil
}

func (m *mockVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return nil
}

func (m *mockVM) AddDevice(dev hv.Device) error {
	return nil
}

func (m *mockVM) AddDeviceFromTemplate(template hv.DeviceTemplate) error {
	return nil
}

func (m *mockVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, nil
}

func (m *mockVM) CaptureSnapshot() (hv.Snapshot, error) {
	return nil, nil
}

func (m *mockVM) RestoreSnapshot(snap hv.Snapshot) error {
	return nil
}

// Helper function to read 32-bit value from MMIO
func mmioRead32(t *testing.T, dev *Net, base uint64, offset uint64) uint32 {
	var data [4]byte
	err := dev.ReadMMIO(base+offset, data[:])
	if err != nil {
		t.Fatalf("MMIO read failed: %v", err)
	}
	return binary.LittleEndian.Uint32(data[:])
}

// Helper function to write 32-bit value to MMIO
func mmioWrite32(t *testing.T, dev *Net, base uint64, offset uint64, value uint32) {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], value)
	err := dev.WriteMMIO(base+offset, data[:])
	if err != nil {
		t.Fatalf("MMIO write failed: %v", err)
	}
}

func TestNetIdentification(t *testing.T) {
	vm := newMockVM()
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	netdev := NewNet(vm, testNetBase, testNetSize, NetDefaultIRQLine, mac, newNetBackendStub())

	if got := mmioRead32(t, netdev, testNetBase, VIRTIO_MMIO_MAGIC_VALUE); got != 0x74726976 {
		t.Fatalf("magic value = %#x, want %#x", got, 0x74726976)
	}
	if got := mmioRead32(t, netdev, testNetBase, VIRTIO_MMIO_VERSION); got != netVersion {
		t.Fatalf("version = %#x, want %#x", got, netVersion)
	}
	if got := mmioRead32(t, netdev, testNetBase, VIRTIO_MMIO_DEVICE_ID); got != netDeviceID {
		t.Fatalf("device id = %#x, want %#x", got, netDeviceID)
	}
	if got := mmioRead32(t, netdev, testNetBase, VIRTIO_MMIO_VENDOR_ID); got == 0 {
		t.Fatalf("vendor id = %#x, want non-zero", got)
	}
}

func TestNetBackend(t *testing.T) {
	backend := newNetBackendStub()
	mac, _ := net.ParseMAC("02:00:00:00:00:02")
	vm := newMockVM()
	netdev := NewNet(vm, testNetBase, testNetSize, NetDefaultIRQLine, mac, backend)

	if netdev.backend != backend {
		t.Fatalf("backend not properly set")
	}
	if netdev.mac != [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02} {
		t.Fatalf("MAC address mismatch: got %v", netdev.mac)
	}
}

// TestNetConfigSpace exercises the 10-byte config shadow: MAC (RW), status
// (RO), max_virtqueue_pairs (RO), and the byte-level write-patching rule.
func TestNetConfigSpace(t *testing.T) {
	vm := newMockVM()
	mac, _ := net.ParseMAC("02:00:00:00:00:03")
	netdev := NewNet(vm, testNetBase, testNetSize, NetDefaultIRQLine, mac, newNetBackendStub())

	cfgBase := testNetBase + VIRTIO_MMIO_CONFIG

	word0 := mmioRead32(t, netdev, cfgBase, 0)
	if uint8(word0) != mac[0] || uint8(word0>>8) != mac[1] || uint8(word0>>16) != mac[2] || uint8(word0>>24) != mac[3] {
		t.Fatalf("config bytes 0-3 = %#x, want mac prefix %v", word0, mac[:4])
	}

	word1 := mmioRead32(t, netdev, cfgBase, 4)
	if uint8(word1) != mac[4] || uint8(word1>>8) != mac[5] {
		t.Fatalf("config bytes 4-5 = mac suffix mismatch: %#x vs %v", word1, mac[4:6])
	}
	status := uint16(word1 >> 16)
	if status != virtioNetStatusLinkUp {
		t.Fatalf("status = %#x, want link up", status)
	}

	// Writing the offset=4 window (mac[4:6] + status) must only patch the
	// MAC bytes; status is read-only and must be unaffected.
	var patched [4]byte
	patched[0] = 0xAA
	patched[1] = 0xBB
	binary.LittleEndian.PutUint16(patched[2:], 0xFFFF) // attempted status overwrite
	mmioWrite32(t, netdev, cfgBase, 4, binary.LittleEndian.Uint32(patched[:]))

	word1After := mmioRead32(t, netdev, cfgBase, 4)
	if uint8(word1After) != 0xAA || uint8(word1After>>8) != 0xBB {
		t.Fatalf("mac bytes 4-5 not patched: %#x", word1After)
	}
	if uint16(word1After>>16) != virtioNetStatusLinkUp {
		t.Fatalf("status field was overwritten by a MAC-window write: %#x", word1After>>16)
	}

	word2 := mmioRead32(t, netdev, cfgBase, 8)
	if uint16(word2) != 1 {
		t.Fatalf("max_virtqueue_pairs = %d, want 1", uint16(word2))
	}
}

// TestNetFeaturesExcludeMrgRxbuf confirms MRG_RXBUF is never advertised and
// that negotiating without it switches to the 10-byte header length.
func TestNetFeaturesExcludeMrgRxbuf(t *testing.T) {
	vm := newMockVM()
	mac, _ := net.ParseMAC("02:00:00:00:00:04")
	netdev := NewNet(vm, testNetBase, testNetSize, NetDefaultIRQLine, mac, newNetBackendStub())

	mmioWrite32(t, netdev, testNetBase, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	deviceFeaturesLow := mmioRead32(t, netdev, testNetBase, VIRTIO_MMIO_DEVICE_FEATURES)
	if deviceFeaturesLow&(1<<virtioNetFeatureMrgRxbuf) != 0 {
		t.Fatalf("MRG_RXBUF must never be advertised, got features %#x", deviceFeaturesLow)
	}

	mmioWrite32(t, netdev, testNetBase, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	mmioWrite32(t, netdev, testNetBase, VIRTIO_MMIO_DRIVER_FEATURES, deviceFeaturesLow)
	mmioWrite32(t, netdev, testNetBase, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	mmioWrite32(t, netdev, testNetBase, VIRTIO_MMIO_DRIVER_FEATURES, uint32(virtioFeatureVersion1>>32))

	mmioWrite32(t, netdev, testNetBase, VIRTIO_MMIO_STATUS, 0x4) // DRIVER_OK

	if netdev.headerLen() != 10 {
		t.Fatalf("header length = %d, want 10 (MRG_RXBUF absent)", netdev.headerLen())
	}
	if netdev.rxMerge.Load() {
		t.Fatalf("rxMerge should be false without MRG_RXBUF negotiated")
	}
}

// TestNetResetClearsState verifies that writing STATUS=0 drives the device
// back to its cold-init header length and re-arms the rx_ready latch.
func TestNetResetClearsState(t *testing.T) {
	vm := newMockVM()
	mac, _ := net.ParseMAC("02:00:00:00:00:05")
	netdev := NewNet(vm, testNetBase, testNetSize, NetDefaultIRQLine, mac, newNetBackendStub())

	netdev.rxMerge.Store(false)
	netdev.rxVHdrLen.Store(10)
	netdev.rxMtx.Lock()
	netdev.rxReady = true
	netdev.rxMtx.Unlock()

	mmioWrite32(t, netdev, testNetBase, VIRTIO_MMIO_STATUS, 0)

	if !netdev.rxMerge.Load() {
		t.Fatalf("reset must restore rx_merge to true")
	}
	if netdev.rxVHdrLen.Load() != 12 {
		t.Fatalf("reset must restore rx_vhdrlen to 12")
	}
	netdev.rxMtx.Lock()
	ready := netdev.rxReady
	netdev.rxMtx.Unlock()
	if ready {
		t.Fatalf("reset must clear rx_ready")
	}
	if netdev.resetting.Load() {
		t.Fatalf("resetting flag must be cleared once OnReset returns")
	}
}
