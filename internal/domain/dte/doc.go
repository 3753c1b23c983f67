// Package dte holds the electronic tax document domain: authorized folio
// ranges (CAF), folio allocations, documents and their lifecycle, submission
// envelopes and the authority's verdicts.
package dte
