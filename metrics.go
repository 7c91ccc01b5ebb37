package trama

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricTramaParcelOutCount     = []string{"trama", "parcel", "out", "count"}
	MetricTramaParcelOutBytes     = []string{"trama", "parcel", "out", "bytes"}
	MetricTramaParcelInCount      = []string{"trama", "parcel", "in", "count"}
	MetricTramaParcelInBytes      = []string{"trama", "parcel", "in", "bytes"}
	MetricTramaParcelRefusedCount = []string{"trama", "parcel", "refused", "count"}
	MetricTramaPortalMovedCount   = []string{"trama", "portal", "moved", "count"}
	MetricTramaLinkEstCount       = []string{"trama", "link", "established", "count"}
	MetricTramaTrapFireCount      = []string{"trama", "trap", "fire", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerNode TelemetryLabel = "peer_node"
	LabelRole     TelemetryLabel = "role"
	LabelPortals  TelemetryLabel = "portals"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
