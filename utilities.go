package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// VERSION follows semantic versioning.
const VERSION = "1.0.0"

func randomHex(length int) string {
	if length <= 0 {
		return ""
	}

	buf := make([]byte, length)

	_, err := rand.Read(buf)
	if err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}

// returnRangeInt32 converts a string like 0-4,5-7 to [0,1,2,3,4,5,6,7].
// Ids outside [0, total) are dropped.
func returnRangeInt32(rangeString string, total int32) (result []int32, err error) {
	for _, split := range strings.Split(rangeString, ",") {
		split = strings.TrimSpace(split)
		if split == "" {
			continue
		}

		low, high, isRange := strings.Cut(split, "-")

		lowValue, err := strconv.Atoi(strings.TrimSpace(low))
		if err != nil {
			return nil, fmt.Errorf("failed to parse shard range %q: %w", split, err)
		}

		highValue := lowValue

		if isRange {
			highValue, err = strconv.Atoi(strings.TrimSpace(high))
			if err != nil {
				return nil, fmt.Errorf("failed to parse shard range %q: %w", split, err)
			}
		}

		for i := int32(lowValue); i <= int32(highValue); i++ {
			if 0 <= i && i < total {
				result = append(result, i)
			}
		}
	}

	return result, nil
}

// contiguousRange returns the first id and count of ids, which must follow
// each other without gaps.
func contiguousRange(ids []int32) (index, count int32, err error) {
	if len(ids) == 0 {
		return 0, 0, ErrManagerMissingShards
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			return 0, 0, ErrShardRangeInvalid
		}
	}

	return ids[0], int32(len(ids)), nil
}
