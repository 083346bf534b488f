package shard

import (
	"fmt"
	"testing"
)

var sampleSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "DOTUSDT", "LINKUSDT", "LTCUSDT",
	"AVAXUSDT", "MATICUSDT", "ATOMUSDT", "UNIUSDT", "ETCUSDT",
}

// Every symbol must be assigned to exactly one shard for any shard count.
func TestAssignPartition(t *testing.T) {
	for count := 1; count <= 8; count++ {
		t.Run(fmt.Sprintf("count=%d", count), func(t *testing.T) {
			for _, sym := range sampleSymbols {
				assigned := 0
				for index := 0; index < count; index++ {
					if Assign(sym, index, count) {
						assigned++
					}
				}
				if assigned != 1 {
					t.Errorf("symbol %s assigned to %d shards with count %d", sym, assigned, count)
				}
			}
		})
	}
}

func TestAssignStable(t *testing.T) {
	for _, sym := range sampleSymbols {
		for index := 0; index < 4; index++ {
			first := Assign(sym, index, 4)
			for i := 0; i < 10; i++ {
				if Assign(sym, index, 4) != first {
					t.Fatalf("assignment for %s is not stable", sym)
				}
			}
		}
	}
}

func TestAssignSingleShard(t *testing.T) {
	for _, sym := range sampleSymbols {
		if !Assign(sym, 0, 1) {
			t.Errorf("symbol %s not assigned with a single shard", sym)
		}
	}
}

func TestFilter(t *testing.T) {
	total := 0
	for index := 0; index < 3; index++ {
		subset := Filter(sampleSymbols, index, 3)
		total += len(subset)
		for _, sym := range subset {
			if !Assign(sym, index, 3) {
				t.Errorf("filtered symbol %s does not belong to shard %d", sym, index)
			}
		}
	}
	if total != len(sampleSymbols) {
		t.Errorf("filters cover %d of %d symbols", total, len(sampleSymbols))
	}
}
