package tracker

// ITUClient receives samples pushed by the ITU GazeTracker. The tracker
// needs no commands, so Connect only binds the local port (6666 by default).
type ITUClient struct {
	udpClient
}

// NewITUClient builds a receive-only client. DeviceAddr is ignored.
func NewITUClient(cfg UDPConfig) *ITUClient {
	cfg.DeviceAddr = ""
	cfg = cfg.withDefaults(DefaultITUPort)
	return &ITUClient{udpClient: udpClient{
		cfg:   cfg,
		name:  "ITU",
		parse: ParseITUSample,
	}}
}
