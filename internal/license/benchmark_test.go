package license

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"localrag/internal/ledger"
	"localrag/internal/shared/testutil"
)

func benchValidator(b *testing.B, opts ...ValidatorOption) (*Validator, string) {
	b.Helper()
	key := testutil.RSAKey(b)

	l, err := ledger.Open(context.Background(), filepath.Join(b.TempDir(), "usage.db"))
	if err != nil {
		b.Fatalf("open ledger: %v", err)
	}
	b.Cleanup(func() { l.Close() })

	token, err := NewGenerator(key).IssueLicense(context.Background(), IssueRequest{
		Plan:             "bench",
		MaxQueriesPerDay: ptr[int64](1 << 40),
	})
	if err != nil {
		b.Fatalf("issue: %v", err)
	}
	return NewValidator(&key.PublicKey, l, opts...), token
}

func BenchmarkValidate(b *testing.B) {
	b.Run("no_cache", func(b *testing.B) {
		v, token := benchValidator(b)
		ctx := context.Background()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if r := v.Validate(ctx, token); !r.Valid {
				b.Fatalf("invalid: %s", r.Message)
			}
		}
	})

	b.Run("cache", func(b *testing.B) {
		v, token := benchValidator(b, WithVerifyCache(NewVerifyCache(time.Minute, 16)))
		ctx := context.Background()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if r := v.Validate(ctx, token); !r.Valid {
				b.Fatalf("invalid: %s", r.Message)
			}
		}
	})
}

func BenchmarkValidateParallel(b *testing.B) {
	v, token := benchValidator(b, WithVerifyCache(NewVerifyCache(time.Minute, 16)))
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			v.Validate(ctx, token)
		}
	})
}

func BenchmarkRecordQueryUsage(b *testing.B) {
	v, token := benchValidator(b)
	ctx := context.Background()
	m := ledger.QueryMetrics{QueryLength: 64, ResponseLength: 512, ProcessingTime: 30 * time.Millisecond}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !v.RecordQueryUsage(ctx, token, m) {
			b.Fatal("record failed")
		}
	}
}
