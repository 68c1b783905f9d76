package store

import "testing"

func TestClassifyPool(t *testing.T) {
	cases := []struct {
		name     string
		inUse    int32
		max      int32
		want     string
		wantUtil float64
	}{
		{"idle", 0, 10, PoolHealthy, 0},
		{"moderate", 5, 10, PoolHealthy, 50},
		{"just under warning", 7, 10, PoolHealthy, 70},
		{"warning threshold", 75, 100, PoolWarning, 75},
		{"critical threshold", 9, 10, PoolCritical, 90},
		{"exhausted", 10, 10, PoolExhausted, 100},
		{"zero max", 0, 0, PoolHealthy, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, util := ClassifyPool(tc.inUse, tc.max)
			if status != tc.want {
				t.Errorf("status = %q, want %q", status, tc.want)
			}
			if util != tc.wantUtil {
				t.Errorf("utilization = %v, want %v", util, tc.wantUtil)
			}
		})
	}
}
