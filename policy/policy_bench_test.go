package policy_test

import (
	"testing"

	"github.com/reglet-dev/reglet-sandbox/policy"
)

func BenchmarkCheckPermission(b *testing.B) {
	p := policy.NewPolicy(policy.WithDenialHandler(&policy.NopDenialHandler{}))
	grants := []string{"network/internet", "storage/**", "camera", "sms/send"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.CheckPermission("bench", "storage/read", grants)
	}
}

func BenchmarkCheckPath(b *testing.B) {
	p := policy.NewPolicy(
		policy.WithDenialHandler(&policy.NopDenialHandler{}),
		policy.WithSymlinkResolution(false),
	)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.CheckPath("bench", "/data/plugins/a", "cache/x.json")
	}
}
