package service

import "testing"

func TestSplitDeliveryFee(t *testing.T) {
	base := SplitConfig{DriverPayEnabled: true, DriverPayAmount: 50, RoundEpsilon: 0.009}

	cases := []struct {
		name         string
		fee          float64
		cfg          SplitConfig
		wantDriver   float64
		wantMerchant float64
	}{
		{"standard split", 80, base, 50, 30},
		{"fee below driver pay", 30, base, 30, 0},
		{"fee equals driver pay", 50, base, 50, 0},
		{"zero fee", 0, base, 0, 0},
		{"negative fee", -10, base, 0, 0},
		{"driver pay disabled", 80, SplitConfig{RoundEpsilon: 0.009}, 0, 80},
		{"negative driver pay", 80, SplitConfig{DriverPayEnabled: true, DriverPayAmount: -5, RoundEpsilon: 0.009}, 0, 80},
		// Float residue from upstream arithmetic collapses to zero.
		{"sub-cent residue", 50.004, base, 50, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitDeliveryFee(tc.fee, tc.cfg)
			if got.DriverShare != tc.wantDriver {
				t.Errorf("driver share: got %.4f, want %.4f", got.DriverShare, tc.wantDriver)
			}
			if got.MerchantShare != tc.wantMerchant {
				t.Errorf("merchant share: got %.4f, want %.4f", got.MerchantShare, tc.wantMerchant)
			}
		})
	}
}

func TestSplitDeliveryFee_SharesSumToFee(t *testing.T) {
	cfg := SplitConfig{DriverPayEnabled: true, DriverPayAmount: 50, RoundEpsilon: 0.009}
	for _, fee := range []float64{60, 75.25, 100, 49.99, 200} {
		got := SplitDeliveryFee(fee, cfg)
		if sum := got.DriverShare + got.MerchantShare; sum != fee {
			t.Errorf("fee %.2f: shares sum to %.4f", fee, sum)
		}
	}
}
