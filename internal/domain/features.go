package domain

import "maps"

// Feature names produced by the extractor.
const (
	FeatureAmount       = "amount"
	FeatureLogAmount    = "log_amount"
	FeatureCurrency     = "currency"
	FeatureMerchantID   = "merchant_id"
	FeatureTerminalID   = "terminal_id"
	FeaturePseudoBIN    = "pseudo_bin"
	FeatureHourOfDay    = "hour_of_day"
	FeatureDayOfWeek    = "day_of_week"
	FeatureAmountZScore = "amount_zscore"

	// Identity of the transaction. These let a precomputed feature set be
	// screened without the original transaction.
	FeatureTenantID    = "tenant_id"
	FeaturePANHash     = "pan_hash"
	FeatureChannel     = "channel"
	FeatureCountryCode = "country_code"

	FeatureMerchantCount1h  = "merchant_txn_count_1h"
	FeatureMerchantSum1h    = "merchant_txn_sum_1h"
	FeatureMerchantCount24h = "merchant_txn_count_24h"
	FeatureMerchantSum24h   = "merchant_txn_sum_24h"

	FeaturePANCount1h         = "pan_txn_count_1h"
	FeaturePANSum1h           = "pan_txn_sum_1h"
	FeaturePANDistinctTerm1h  = "pan_distinct_terminals_1h"
	FeaturePANAvg1h           = "pan_avg_amount_1h"
	FeaturePANCount7d         = "pan_txn_count_7d"
	FeaturePANSum7d           = "pan_txn_sum_7d"
	FeaturePANDistinctTerm7d  = "pan_distinct_terminals_7d"
	FeaturePANAvg7d           = "pan_avg_amount_7d"
	FeaturePANCount30d        = "pan_txn_count_30d"
	FeaturePANSum30d          = "pan_txn_sum_30d"
	FeaturePANDistinctTerm30d = "pan_distinct_terminals_30d"
	FeaturePANAvg30d          = "pan_avg_amount_30d"
	FeatureMinutesSinceLast   = "minutes_since_last_txn"

	FeatureChipPresent     = "is_chip_present"
	FeatureContactless     = "is_contactless"
	FeatureCVMMethod       = "cvm_method"
	FeatureApplicationID   = "application_id"
	FeatureHasApprovalCode = "has_approval_code"

	FeatureAMLCumulative30d    = "aml_cumulative_amount_30d"
	FeatureAMLHighValueCount7d = "aml_high_value_count_7d"
)

// Features is a flat, name-keyed feature set. Values are float64, int64,
// bool or string.
type Features map[string]any

// Float returns a numeric feature as float64, or 0 when absent.
func (f Features) Float(name string) float64 {
	switch v := f[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	default:
		return 0
	}
}

// Int returns a numeric feature as int64, or 0 when absent.
func (f Features) Int(name string) int64 {
	switch v := f[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Bool returns a boolean feature, or false when absent.
func (f Features) Bool(name string) bool {
	b, _ := f[name].(bool)
	return b
}

// String returns a string feature, or "" when absent.
func (f Features) String(name string) string {
	s, _ := f[name].(string)
	return s
}

// Clone returns a shallow copy. Values are scalars, so this is a full copy.
func (f Features) Clone() Features {
	if f == nil {
		return Features{}
	}
	return maps.Clone(f)
}
