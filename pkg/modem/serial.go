package modem

import (
	"go.bug.st/serial"
)

// OpenSerial opens a real serial device, 8N1 at baud.
func OpenSerial(name string, baud int) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
