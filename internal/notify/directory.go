package notify

import "log"

// Directory resolves handles through an injected lookup and logs
// outgoing messages. It is the delivery used when no real messaging
// transport is attached: parties poll their session instead.
type Directory struct {
	Resolver func(handle string) (string, error)
	Logger   *log.Logger
}

func (d Directory) Resolve(handle string) (string, error) {
	if d.Resolver == nil {
		return "", ErrUndeliverable
	}
	return d.Resolver(handle)
}

func (d Directory) Send(partyID, text string) error {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify %s: %s", partyID, text)
	return nil
}
