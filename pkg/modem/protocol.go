package modem

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNoReply means the modem did not answer a command in time.
	ErrNoReply = errors.New("modem did not reply")

	// ErrPINRequired means the SIM wants a PIN and none is configured.
	ErrPINRequired = errors.New("SIM PIN required but none configured")

	// ErrPINRejected means the SIM refused the configured PIN.
	ErrPINRejected = errors.New("SIM PIN rejected")

	// ErrSIMNotReady covers any other SIM status (PUK, missing card, ...).
	ErrSIMNotReady = errors.New("SIM not ready")

	// ErrModeSet means text mode or the character set could not be selected.
	ErrModeSet = errors.New("modem refused message mode")

	// ErrInvalidRecipient is a number that cannot be put in an AT command.
	ErrInvalidRecipient = errors.New("invalid recipient number")

	// ErrNoPrompt means the modem never asked for the message body.
	ErrNoPrompt = errors.New("modem did not prompt for message body")

	// ErrServiceError is an explicit message-service failure from the network.
	ErrServiceError = errors.New("message service error")
)

var (
	recipientPattern = regexp.MustCompile(`^\+?[0-9]{3,20}$`)
	errorMarkers     = []string{"+CME ERROR", "+CMS ERROR", "\r\nERROR"}
	lineBreaks       = regexp.MustCompile(`[\r\n]+`)
)

// Timeouts bounds each step of the send protocol.
type Timeouts struct {
	Command time.Duration
	PIN     time.Duration
	Prompt  time.Duration
	Submit  time.Duration
}

// CheckAlive sends a bare AT. No reply is fatal for the current send.
func (t *Transport) CheckAlive(timeout time.Duration) error {
	reply := t.Transact([]byte("AT"+lineEnd), []string{"OK"}, errorMarkers, timeout)
	if reply.Err != nil {
		return reply.Err
	}
	if !reply.OK() {
		return fmt.Errorf("%w: AT (%q)", ErrNoReply, reply.Raw)
	}
	return nil
}

// UnlockSIM queries the SIM and submits pin when the SIM asks for it.
func (t *Transport) UnlockSIM(pin string, to Timeouts) error {
	if err := t.Open(); err != nil {
		return err
	}
	if t.state != StateInit {
		return fmt.Errorf("%w: unlock from %s", ErrBadTransition, t.state)
	}
	reply := t.Transact([]byte("AT+CPIN?"+lineEnd), []string{"READY", "SIM PIN"}, errorMarkers, to.Command)
	switch {
	case reply.Err != nil:
		return reply.Err
	case reply.Matched == "READY":
		return t.advance(StateReady)
	case reply.Matched == "SIM PIN":
		if err := t.advance(StatePINRequired); err != nil {
			return err
		}
	case reply.TimedOut():
		return fmt.Errorf("%w: AT+CPIN? (%q)", ErrNoReply, reply.Raw)
	default:
		return fmt.Errorf("%w: %q", ErrSIMNotReady, reply.Raw)
	}

	if pin == "" {
		return ErrPINRequired
	}
	reply = t.Transact([]byte(fmt.Sprintf("AT+CPIN=\"%s\"%s", pin, lineEnd)), []string{"OK"}, errorMarkers, to.PIN)
	switch {
	case reply.Err != nil:
		return reply.Err
	case reply.OK():
		return t.advance(StateReady)
	case reply.TimedOut():
		return fmt.Errorf("%w: PIN verification", ErrNoReply)
	}
	return fmt.Errorf("%w: %q", ErrPINRejected, reply.Raw)
}

// SetTextMode selects text-mode messaging and the GSM character set.
func (t *Transport) SetTextMode(timeout time.Duration) error {
	if t.state != StateReady {
		return fmt.Errorf("%w: mode-set from %s", ErrBadTransition, t.state)
	}
	for _, cmd := range []string{"AT+CMGF=1", `AT+CSCS="GSM"`} {
		reply := t.Transact([]byte(cmd+lineEnd), []string{"OK"}, errorMarkers, timeout)
		if reply.Err != nil {
			return reply.Err
		}
		if !reply.OK() {
			return fmt.Errorf("%w: %s (%q)", ErrModeSet, cmd, reply.Raw)
		}
	}
	return nil
}

// SendSMS submits one message to one recipient. body must already be
// normalized. The returned Reply carries the modem's raw answer.
func (t *Transport) SendSMS(recipient, body string, to Timeouts) (Reply, error) {
	if !recipientPattern.MatchString(recipient) {
		return Reply{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	if err := t.advance(StateSending); err != nil {
		return Reply{}, err
	}

	prompt := t.Transact([]byte(fmt.Sprintf("AT+CMGS=\"%s\"%s", recipient, lineEnd)), []string{">"}, errorMarkers, to.Prompt)
	if prompt.Err != nil {
		return prompt, prompt.Err
	}
	if !prompt.OK() {
		t.abandon()
		if err := t.advance(StateReady); err != nil {
			return prompt, err
		}
		return prompt, fmt.Errorf("%w (%q)", ErrNoPrompt, prompt.Raw)
	}

	payload := append([]byte(body), ctrlZ)
	if err := t.write(payload); err != nil {
		return Reply{}, err
	}
	reply := t.readUntil([]string{"+CMGS:"}, []string{"+CMS ERROR", "\r\nERROR"}, to.Submit)
	if reply.Err != nil {
		return reply, reply.Err
	}
	if reply.TimedOut() {
		t.abandon()
	}
	if err := t.advance(StateReady); err != nil {
		return reply, err
	}
	switch {
	case reply.OK():
		return reply, nil
	case reply.TimedOut():
		return reply, fmt.Errorf("%w: no confirmation within %s", ErrNoReply, to.Submit)
	}
	return reply, fmt.Errorf("%w: %s", ErrServiceError, lastLine(reply.Raw))
}

// abandon cancels a pending message prompt so the next command starts clean.
func (t *Transport) abandon() {
	if err := t.write([]byte{esc}); err != nil {
		return
	}
	t.drain()
}

func lastLine(raw string) string {
	lines := lineBreaks.Split(raw, -1)
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] != "" {
			return lines[i]
		}
	}
	return raw
}
