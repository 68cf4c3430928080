package features

import (
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EMV tags read from Transaction.CardData. Keys are hex tag names.
const (
	tagApplicationCryptogram = "9F26"
	tagFormFactorIndicator   = "9F6E"
	tagPOSEntryMode          = "9F39"
	tagCVMResults            = "9F34"
	tagApplicationID         = "4F"
	tagAuthorisationCode     = "89"

	posEntryContactless = "07"
)

// emvFeatures derives chip features. Missing or malformed tags yield the
// defaults false, 0 and "".
func emvFeatures(card map[string]string, out domain.Features) {
	out[domain.FeatureChipPresent] = hasTag(card, tagApplicationCryptogram)
	out[domain.FeatureContactless] = hasTag(card, tagFormFactorIndicator) ||
		tagValue(card, tagPOSEntryMode) == posEntryContactless
	out[domain.FeatureCVMMethod] = cvmMethod(tagValue(card, tagCVMResults))
	out[domain.FeatureApplicationID] = tagValue(card, tagApplicationID)
	out[domain.FeatureHasApprovalCode] = hasTag(card, tagAuthorisationCode)
}

// tagValue looks a tag up case-insensitively.
func tagValue(card map[string]string, tag string) string {
	if card == nil {
		return ""
	}
	if v, ok := card[tag]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range card {
		if strings.EqualFold(k, tag) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func hasTag(card map[string]string, tag string) bool {
	return tagValue(card, tag) != ""
}

// cvmMethod is the CVM code held in the first byte of the CVM results.
func cvmMethod(v string) int64 {
	if len(v) < 2 {
		return 0
	}
	n, err := strconv.ParseUint(v[:2], 16, 8)
	if err != nil {
		return 0
	}
	return int64(n)
}
