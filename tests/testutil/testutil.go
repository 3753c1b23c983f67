// Package testutil provides shared fixtures for the issuance engine tests:
// payloads, deterministic keys, authority-signed CAF files and helpers for
// driving the HTTP API.
package testutil

import (
	"testing"
	"time"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// IssuerRUT is the company every fixture issues for
const IssuerRUT = "76543210-3"

// ReceiverRUT is a valid customer RUT
const ReceiverRUT = "96790240-3"

// Now is the reference instant of the fixtures: inside the validity of
// CAFXML defaults and of CompanyKey(t, Now).
var Now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// NewTestUUID generates a deterministic UUID for testing.
func NewTestUUID(seed string) uuid.UUID {
	namespace := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	return uuid.NewSHA1(namespace, []byte(seed))
}

// Issuer returns the fixture company
func Issuer() dte.Issuer {
	return dte.Issuer{
		RUT:          IssuerRUT,
		BusinessName: "Comercial Andes SpA",
		Activity:     "Venta al por menor de articulos de ferreteria",
		ActivityCode: 475201,
		Address:      "Av. Providencia 1234",
		Commune:      "Providencia",
		City:         "Santiago",
	}
}

// Receiver returns the fixture customer
func Receiver() *dte.Receiver {
	return &dte.Receiver{
		RUT:          ReceiverRUT,
		BusinessName: "Constructora Ñuble Ltda",
		Activity:     "Construccion",
		Address:      "Calle Larga 55",
		Commune:      "Chillan",
		City:         "Chillan",
	}
}

// Line builds a detail line from decimal strings
func Line(name, qty, price string) dte.Line {
	return dte.Line{
		Name:      name,
		Quantity:  decimal.RequireFromString(qty),
		UnitPrice: decimal.RequireFromString(price),
	}
}

// InvoicePayload is a valid payload for type 33
func InvoicePayload() dte.Payload {
	return dte.Payload{
		IssueDate:     "2026-03-10",
		PaymentMethod: 1,
		Issuer:        Issuer(),
		Receiver:      Receiver(),
		Lines: []dte.Line{
			Line("Martillo carpintero", "2", "1500.5"),
			Line("Caja clavos 2\"", "10", "990"),
		},
	}
}

// ReceiptPayload is a valid payload for type 39 without receiver
func ReceiptPayload() dte.Payload {
	return dte.Payload{
		IssueDate: "2026-03-10",
		Issuer:    Issuer(),
		Lines:     []dte.Line{Line("Cinta aisladora", "3", "1190")},
	}
}

// DispatchGuidePayload is a valid payload for type 52
func DispatchGuidePayload() dte.Payload {
	p := InvoicePayload()
	p.PaymentMethod = 0
	p.Transport = &dte.Transport{MoveType: 1, Plate: "ABCD12", CarrierRUT: ReceiverRUT}
	return p
}

// CreditNotePayload is a valid payload for type 61 referencing invoice folio 10
func CreditNotePayload() dte.Payload {
	p := InvoicePayload()
	p.Lines = p.Lines[:1]
	p.References = []dte.Reference{{
		DocType: int(dte.TypeInvoice),
		Folio:   10,
		Date:    "2026-03-01",
		Code:    3,
		Reason:  "Devolucion de mercaderia",
	}}
	return p
}

// RequireEventually polls condition until it holds or fails the test
func RequireEventually(t *testing.T, condition func() bool, timeout, interval time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}

	require.Fail(t, "Condition not met within timeout", msgAndArgs...)
}
