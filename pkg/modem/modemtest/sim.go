// Package modemtest simulates an AT-command modem behind a serial port.
package modemtest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnplugged is returned by reads and writes once Unplug was called.
var ErrUnplugged = errors.New("device unplugged")

// Message is an SMS the simulated modem accepted.
type Message struct {
	To   string
	Body string
}

// Modem answers AT commands the way a SIM7600-class modem does.
type Modem struct {
	mu sync.Mutex

	// PIN is the SIM PIN; the SIM starts locked when it is non-empty.
	PIN string
	// Echo repeats every written byte back, like ATE1.
	Echo bool
	// Silent makes the modem ignore everything.
	Silent bool
	// Fragment caps the bytes returned per Read (0 = unlimited).
	Fragment int
	// ServiceErrors maps a recipient to the +CMS ERROR code it triggers.
	ServiceErrors map[string]int
	// NoPrompt lists recipients for which the body prompt never comes.
	NoPrompt map[string]bool
	// ModeSetError makes AT+CMGF fail.
	ModeSetError bool

	unlocked    bool
	out         bytes.Buffer
	line        bytes.Buffer
	promptFor   string
	readTimeout time.Duration
	unplugged   bool
	closed      bool

	commands []string
	messages []Message
	opens    int
	resets   int
	nextRef  int
}

// New returns a modem with a ready SIM.
func New() *Modem {
	return &Modem{ServiceErrors: map[string]int{}, NoPrompt: map[string]bool{}}
}

// Open hands out the modem as an open port, like opening the device node.
func (m *Modem) Open(string, int) (*Modem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplugged {
		return nil, ErrUnplugged
	}
	m.closed = false
	m.opens++
	return m, nil
}

// Inject queues bytes as if the modem had sent them unprompted.
func (m *Modem) Inject(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.WriteString(s)
}

// Unplug makes every further I/O fail.
func (m *Modem) Unplug() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unplugged = true
}

// Commands returns the AT commands received, in order.
func (m *Modem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Messages returns the accepted messages.
func (m *Modem) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Opens counts successful opens.
func (m *Modem) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closed reports whether the port is currently closed.
func (m *Modem) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Modem) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTimeout = t
	return nil
}

func (m *Modem) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplugged {
		return ErrUnplugged
	}
	m.resets++
	m.out.Reset()
	return nil
}

func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Read blocks until output is available or the read timeout elapses; a
// timeout returns 0, nil like a real serial port.
func (m *Modem) Read(p []byte) (int, error) {
	m.mu.Lock()
	deadline := time.Now().Add(m.readTimeout)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.unplugged {
			m.mu.Unlock()
			return 0, ErrUnplugged
		}
		if m.out.Len() > 0 {
			n := len(p)
			if m.Fragment > 0 && n > m.Fragment {
				n = m.Fragment
			}
			n, _ = m.out.Read(p[:n])
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Modem) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplugged {
		return 0, ErrUnplugged
	}
	if m.Silent {
		return len(p), nil
	}
	if m.Echo {
		m.out.Write(p)
	}
	for _, c := range p {
		m.feed(c)
	}
	return len(p), nil
}

func (m *Modem) feed(c byte) {
	if m.promptFor != "" {
		switch c {
		case 0x1A:
			m.submit(m.line.String())
			m.line.Reset()
		case 0x1B:
			m.promptFor = ""
			m.line.Reset()
			m.reply("OK")
		case '\n':
			// tail of the CR/LF that ended the AT+CMGS line
			if m.line.Len() > 0 {
				m.line.WriteByte(c)
			}
		default:
			m.line.WriteByte(c)
		}
		return
	}
	switch c {
	case '\r':
		cmd := strings.TrimSpace(m.line.String())
		m.line.Reset()
		if cmd != "" {
			m.command(cmd)
		}
	case '\n', 0x1B:
	default:
		m.line.WriteByte(c)
	}
}

func (m *Modem) command(cmd string) {
	m.commands = append(m.commands, cmd)
	upper := strings.ToUpper(cmd)
	switch {
	case upper == "AT":
		m.reply("OK")
	case upper == "AT+CPIN?":
		if m.PIN != "" && !m.unlocked {
			m.reply("+CPIN: SIM PIN", "OK")
		} else {
			m.reply("+CPIN: READY", "OK")
		}
	case strings.HasPrefix(upper, "AT+CPIN="):
		if strings.Trim(cmd[len("AT+CPIN="):], `"`) == m.PIN {
			m.unlocked = true
			m.reply("OK")
		} else {
			m.reply("+CME ERROR: 16")
		}
	case upper == "AT+CMGF=1":
		if m.ModeSetError {
			m.reply("ERROR")
		} else {
			m.reply("OK")
		}
	case upper == `AT+CSCS="GSM"`:
		m.reply("OK")
	case strings.HasPrefix(upper, "AT+CMGS="):
		to := strings.Trim(cmd[len("AT+CMGS="):], `"`)
		if m.NoPrompt[to] {
			return
		}
		m.promptFor = to
		m.out.WriteString("\r\n> ")
	default:
		m.reply("ERROR")
	}
}

func (m *Modem) submit(body string) {
	to := m.promptFor
	m.promptFor = ""
	if code, ok := m.ServiceErrors[to]; ok {
		m.reply(fmt.Sprintf("+CMS ERROR: %d", code))
		return
	}
	m.nextRef++
	m.messages = append(m.messages, Message{To: to, Body: body})
	m.reply(fmt.Sprintf("+CMGS: %d", m.nextRef), "OK")
}

func (m *Modem) reply(lines ...string) {
	for _, l := range lines {
		m.out.WriteString("\r\n" + l + "\r\n")
	}
}
