package kite

import (
	"sync"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// instrumentMapper resolves a tradingsymbol to its underlying name and an
// underlying to its lot size, from the exchange instrument dump. This is
// the explicit field the core relies on instead of parsing contract strings.
type instrumentMapper struct {
	mu                 sync.RWMutex
	symbolToUnderlying map[string]string
	lotSizes           map[string]float64
	tokens             map[string]uint32
}

func newInstrumentMapper() *instrumentMapper {
	return &instrumentMapper{
		symbolToUnderlying: make(map[string]string),
		lotSizes:           make(map[string]float64),
		tokens:             make(map[string]uint32),
	}
}

func (im *instrumentMapper) load(instruments kiteconnect.Instruments) {
	im.mu.Lock()
	defer im.mu.Unlock()

	for _, inst := range instruments {
		if inst.Name == "" {
			continue
		}
		im.symbolToUnderlying[inst.Tradingsymbol] = inst.Name
		if inst.LotSize > 0 {
			im.lotSizes[inst.Name] = inst.LotSize
		}
		if inst.InstrumentToken > 0 {
			im.tokens[inst.Tradingsymbol] = uint32(inst.InstrumentToken)
		}
	}
}

func (im *instrumentMapper) underlying(tradingsymbol string) (string, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	u, ok := im.symbolToUnderlying[tradingsymbol]
	return u, ok
}

func (im *instrumentMapper) token(tradingsymbol string) (uint32, bool) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	t, ok := im.tokens[tradingsymbol]
	return t, ok
}

// lotSize returns the contract multiplier for an underlying, 1 if unknown.
func (im *instrumentMapper) lotSize(underlying string) float64 {
	im.mu.RLock()
	defer im.mu.RUnlock()

	if ls, ok := im.lotSizes[underlying]; ok {
		return ls
	}
	return 1
}
