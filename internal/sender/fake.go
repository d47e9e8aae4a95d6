package sender

import (
	"encoding/json"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

var fakeEvents = []string{
	"secure_data",
	"user.created",
	"user.deleted",
	"order.placed",
	"payment.succeeded",
	"payment.failed",
}

type fakeUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type fakeEvent struct {
	Event  string    `json:"event"`
	ID     int       `json:"id"`
	User   fakeUser  `json:"user"`
	Amount float64   `json:"amount"`
	SentAt time.Time `json:"sent_at"`
}

// FakePayload returns a random event payload.
func FakePayload() json.RawMessage {
	ev := fakeEvent{
		Event: gofakeit.RandomString(fakeEvents),
		ID:    gofakeit.Number(100, 999),
		User: fakeUser{
			Name:  gofakeit.Name(),
			Email: gofakeit.Email(),
		},
		Amount: gofakeit.Price(1, 500),
		SentAt: time.Now().UTC().Truncate(time.Second),
	}
	b, _ := json.Marshal(ev)
	return b
}

// SamplePayload is the fixed payload sent when none is given.
func SamplePayload() json.RawMessage {
	return json.RawMessage(`{"event":"secure_data","id":101}`)
}
