package testutil

// TestSigningKey is HMAC key material for decision-log signatures in tests.
// 32+ bytes.
const TestSigningKey = "test-signing-key-1234567890123456"
