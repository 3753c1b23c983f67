package telemetry

import (
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/gorm"
)

// InstrumentGorm registers the otelgorm plugin so every query becomes a span.
// Query variables are left out of span attributes: payloads carry taxpayer data.
func InstrumentGorm(db *gorm.DB, dbSystem string) error {
	return db.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName(dbSystem),
		otelgorm.WithoutQueryVariables(),
	))
}
