package hal

import (
	"fmt"
	"sync"
)

// MockCellMonitor is a desktop cell-monitor implementation with fully
// injectable state. All setters are safe to call concurrently with the
// monitor task.
type MockCellMonitor struct {
	mu sync.Mutex

	modules    int
	cells      int
	sensors    int
	cellMV     [][]uint16
	tempDeciC  [][]int16
	safety     []SafetyBits
	currentMA  int32
	balanceMsk []uint16

	// failModule injects a communication failure for one module
	// index, or -1 for none.
	failModule int
}

// NewMockCellMonitor creates a mock for the given pack topology with
// every cell at the given millivolts and every sensor at tempDeciC.
func NewMockCellMonitor(modules, cells, sensors int, cellMV uint16, tempDeciC int16) *MockCellMonitor {
	m := &MockCellMonitor{
		modules:    modules,
		cells:      cells,
		sensors:    sensors,
		cellMV:     make([][]uint16, modules),
		tempDeciC:  make([][]int16, modules),
		safety:     make([]SafetyBits, modules),
		balanceMsk: make([]uint16, modules),
		failModule: -1,
	}
	for mod := 0; mod < modules; mod++ {
		m.cellMV[mod] = make([]uint16, cells)
		m.tempDeciC[mod] = make([]int16, sensors)
		for c := 0; c < cells; c++ {
			m.cellMV[mod][c] = cellMV
		}
		for s := 0; s < sensors; s++ {
			m.tempDeciC[mod][s] = tempDeciC
		}
	}
	return m
}

func (m *MockCellMonitor) checkModule(module int) error {
	if module < 0 || module >= m.modules {
		return fmt.Errorf("module %d out of range", module)
	}
	if module == m.failModule {
		return fmt.Errorf("module %d: i2c timeout", module)
	}
	return nil
}

func (m *MockCellMonitor) Init(module int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkModule(module)
}

func (m *MockCellMonitor) ReadCells(module int, dst []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModule(module); err != nil {
		return err
	}
	copy(dst, m.cellMV[module])
	return nil
}

func (m *MockCellMonitor) ReadTemperatures(module int, dst []int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModule(module); err != nil {
		return err
	}
	copy(dst, m.tempDeciC[module])
	return nil
}

func (m *MockCellMonitor) ReadCurrent(module int) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModule(module); err != nil {
		return 0, err
	}
	return m.currentMA, nil
}

func (m *MockCellMonitor) ReadSafetyStatus(module int) (SafetyBits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModule(module); err != nil {
		return 0, err
	}
	return m.safety[module], nil
}

func (m *MockCellMonitor) SetBalanceMask(module int, mask uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkModule(module); err != nil {
		return err
	}
	m.balanceMsk[module] = mask
	return nil
}

// SetCell overrides one cell reading.
func (m *MockCellMonitor) SetCell(module, cell int, mv uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cellMV[module][cell] = mv
}

// SetAllCells overrides every cell reading in the pack.
func (m *MockCellMonitor) SetAllCells(mv uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mod := range m.cellMV {
		for c := range m.cellMV[mod] {
			m.cellMV[mod][c] = mv
		}
	}
}

// SetTemperature overrides one sensor reading.
func (m *MockCellMonitor) SetTemperature(module, sensor int, deciC int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempDeciC[module][sensor] = deciC
}

// SetAllTemperatures overrides every sensor reading in the pack.
func (m *MockCellMonitor) SetAllTemperatures(deciC int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mod := range m.tempDeciC {
		for s := range m.tempDeciC[mod] {
			m.tempDeciC[mod][s] = deciC
		}
	}
}

// SetCurrent overrides the pack current measurement.
func (m *MockCellMonitor) SetCurrent(ma int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentMA = ma
}

// SetSafety overrides one module's ASIC safety bits.
func (m *MockCellMonitor) SetSafety(module int, bits SafetyBits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safety[module] = bits
}

// SetFailModule injects a comm failure for the given module, -1 for none.
func (m *MockCellMonitor) SetFailModule(module int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failModule = module
}

// BalanceMask returns the last mask written for a module.
func (m *MockCellMonitor) BalanceMask(module int) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceMsk[module]
}

// MockGPIO captures output writes and serves injectable inputs. With
// LinkFeedback set, the contactor feedback inputs track the coil
// outputs, which is the behavior of a healthy contactor.
type MockGPIO struct {
	mu           sync.Mutex
	out          [PinCount]bool
	in           [PinCount]bool
	LinkFeedback bool
}

func NewMockGPIO(linkFeedback bool) *MockGPIO {
	return &MockGPIO{LinkFeedback: linkFeedback}
}

func (g *MockGPIO) Write(pin Pin, state bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.out[pin] = state
	if g.LinkFeedback {
		switch pin {
		case PinContactorPos:
			g.in[PinContactorFBPos] = state
		case PinContactorNeg:
			g.in[PinContactorFBNeg] = state
		}
	}
}

func (g *MockGPIO) Read(pin Pin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.in[pin]
}

// Output returns the last commanded state of an output pin.
func (g *MockGPIO) Output(pin Pin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out[pin]
}

// SetInput injects an input pin state.
func (g *MockGPIO) SetInput(pin Pin, state bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.in[pin] = state
}

// MockStore keeps the persistent snapshot in memory.
type MockStore struct {
	mu   sync.Mutex
	data PersistentData
	ok   bool
}

func NewMockStore() *MockStore { return &MockStore{} }

func (s *MockStore) SavePersistent(data PersistentData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.ok = true
	return nil
}

func (s *MockStore) LoadPersistent() (PersistentData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return PersistentData{}, fmt.Errorf("no persistent snapshot")
	}
	return s.data, nil
}
