package eventbus

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

// encodedLen reports how many bytes the payload occupies on the wire.
func encodedLen(payload any) (int, error) {
	if payload == nil {
		return 0, nil
	}
	if raw, ok := payload.([]byte); ok {
		return len(raw), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return len(raw), nil
	}
	data, err := json.Marshal(payload)
	return len(data), err
}

func checkPayload(evt schema.Event, limit int) error {
	if limit <= 0 {
		return nil
	}
	n, err := encodedLen(evt.Payload)
	switch {
	case err != nil:
		return errs.New("eventbus/payload", errs.CodeInvalid,
			errs.WithSymbol(evt.Symbol),
			errs.WithMessage(fmt.Sprintf("encode %s payload", evt.Type)),
			errs.WithCause(err))
	case n > limit:
		return errs.New("eventbus/payload", errs.CodeInvalid,
			errs.WithSymbol(evt.Symbol),
			errs.WithMessage(fmt.Sprintf("%s payload of %d bytes exceeds cap of %d", evt.Type, n, limit)))
	}
	return nil
}
