package metrics

import (
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Measures
var (
	RoundStartedCount        = stats.Int64("protocol_round_started_total", "The number of protocol rounds initiated", stats.UnitDimensionless)
	RoundSuccessCount        = stats.Int64("protocol_round_success_total", "The number of protocol rounds that completed with a double-signed commitment", stats.UnitDimensionless)
	RoundFailCount           = stats.Int64("protocol_round_fail_total", "The number of protocol rounds that ended in a rejection or error", stats.UnitDimensionless)
	RoundDuration            = stats.Float64("protocol_round_duration_seconds", "The duration in seconds of a protocol round", stats.UnitSeconds)
	RoundResyncCount         = stats.Int64("protocol_round_resync_total", "The number of rounds that required a stale-update resynchronization", stats.UnitDimensionless)
	ResponderAcceptCount     = stats.Int64("responder_accept_total", "The number of inbound updates counter-signed and applied", stats.UnitDimensionless)
	ResponderRejectCount     = stats.Int64("responder_reject_total", "The number of inbound updates rejected", stats.UnitDimensionless)
	MessagingTimeoutCount    = stats.Int64("messaging_timeout_total", "The number of protocol rounds that failed because no reply arrived in time", stats.UnitDimensionless)
	ActiveChannelsCount      = stats.Int64("active_channels_total", "The number of channels with at least one accepted update", stats.UnitDimensionless)
	ActiveTransfersCount     = stats.Int64("active_transfers_total", "The number of currently active transfers across all channels", stats.UnitDimensionless)
	DepositReconcileCount    = stats.Int64("deposit_reconcile_total", "The number of deposit reconciliations performed against the chain", stats.UnitDimensionless)
	ProgramExecutionCount    = stats.Int64("program_execution_total", "The number of condition program evaluations", stats.UnitDimensionless)
	ProgramFallbackCount     = stats.Int64("program_fallback_total", "The number of condition program evaluations served by the on-chain fallback", stats.UnitDimensionless)
)

// Tags
var (
	UpdateType, _   = tag.NewKey("update_type")
	FailureReason, _ = tag.NewKey("reason")
)

// DefaultViews are the views registered by the metrics exporter.
var DefaultViews = []*view.View{
	{Measure: RoundStartedCount, Aggregation: view.Count(), TagKeys: []tag.Key{UpdateType}},
	{Measure: RoundSuccessCount, Aggregation: view.Count(), TagKeys: []tag.Key{UpdateType}},
	{Measure: RoundFailCount, Aggregation: view.Count(), TagKeys: []tag.Key{UpdateType, FailureReason}},
	{Measure: RoundDuration, Aggregation: view.Distribution(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30), TagKeys: []tag.Key{UpdateType}},
	{Measure: RoundResyncCount, Aggregation: view.Count()},
	{Measure: ResponderAcceptCount, Aggregation: view.Count(), TagKeys: []tag.Key{UpdateType}},
	{Measure: ResponderRejectCount, Aggregation: view.Count(), TagKeys: []tag.Key{UpdateType, FailureReason}},
	{Measure: MessagingTimeoutCount, Aggregation: view.Count()},
	{Measure: ActiveChannelsCount, Aggregation: view.Sum()},
	{Measure: ActiveTransfersCount, Aggregation: view.Sum()},
	{Measure: DepositReconcileCount, Aggregation: view.Count()},
	{Measure: ProgramExecutionCount, Aggregation: view.Count()},
	{Measure: ProgramFallbackCount, Aggregation: view.Count()},
}
