package persistence

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/dte/internal/domain/dte"
	"github.com/erp/dte/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const testIssuer = "76543210-3"

// newTestDB opens a migrated sqlite file database limited to one
// connection, mirroring the production sqlite setup.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dte.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// newMockDB returns a postgres-dialect gorm DB over sqlmock
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock, mockDB
}

type cafOpts struct {
	issuer     string
	docType    dte.DocumentType
	branch     string
	start, end int64
	authorized time.Time
}

func createTestCAF(t *testing.T, db *gorm.DB, o cafOpts) *dte.CAF {
	t.Helper()
	if o.docType == 0 {
		o.docType = dte.TypeInvoice
	}
	if o.branch == "" {
		o.branch = "main"
	}
	if o.issuer == "" {
		o.issuer = testIssuer
	}
	if o.authorized.IsZero() {
		o.authorized = testNow.AddDate(0, 0, -10)
	}
	caf, err := dte.NewCAF(dte.NewCAFParams{
		IssuerRUT:        o.issuer,
		IssuerName:       "Comercial Andes SpA",
		DocType:          o.docType,
		Branch:           o.branch,
		RangeStart:       o.start,
		RangeEnd:         o.end,
		AuthorizedAt:     o.authorized,
		KeyID:            "100",
		AuthorizationXML: []byte("<CAF/>"),
		SealedPrivateKey: []byte("sealed"),
		Fingerprint:      uuid.NewString(),
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, NewGormCAFRepository(db).Create(t.Context(), caf))
	return caf
}

func testPayload() dte.Payload {
	return dte.Payload{
		IssueDate: "2026-03-10",
		Issuer: dte.Issuer{
			RUT:          testIssuer,
			BusinessName: "Comercial Andes SpA",
			Activity:     "Venta al por menor",
			ActivityCode: 471000,
			Address:      "Av. Providencia 1234",
			Commune:      "Providencia",
		},
		Lines: []dte.Line{{
			Name:      "Servicio de soporte",
			Quantity:  decimal.NewFromInt(2),
			UnitPrice: decimal.RequireFromString("1500.5"),
		}},
	}
}

// newSignedDocument returns a persisted SIGNED document holding folio
func newSignedDocument(t *testing.T, db *gorm.DB, cafID uuid.UUID, folio int64, signedAt time.Time) *dte.Document {
	t.Helper()
	doc, err := dte.NewDocument(dte.TypeInvoice, "main", testPayload(), testNow)
	require.NoError(t, err)
	require.NoError(t, doc.AssignFolio(cafID, folio, testNow))
	require.NoError(t, doc.MarkSigned([]byte("<DTE/>"), []byte("<DTE signed/>"), dte.Totals{Net: 3001, Tax: 570, Total: 3571}, signedAt))
	require.NoError(t, NewGormDocumentRepository(db).Create(t.Context(), doc))
	return doc
}
