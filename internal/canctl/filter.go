package canctl

// Filter is a classic code/mask acceptance filter: an identifier matches when
// every bit set in Mask equals the same bit of Code.
type Filter struct {
	Enabled bool
	Code    uint32
	Mask    uint32
}

func (f Filter) Match(id uint32) bool {
	return f.Enabled && id&f.Mask == f.Code&f.Mask
}

// Route picks the receive FIFO for an identifier.
func Route(std, ext Filter, id uint32, extended bool) FIFO {
	flt := std
	if extended {
		flt = ext
	}
	if flt.Match(id) {
		return FIFOAccepted
	}
	return FIFORejected
}

var (
	defaultStdFilter = Filter{Enabled: true, Code: 0x7FF, Mask: 0}
	defaultExtFilter = Filter{Enabled: true, Code: 0x1FFFFFFF, Mask: 0}
)
