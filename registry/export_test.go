package registry

// TestIdentityPath exposes identityPath to tests in package registry_test.
const TestIdentityPath = identityPath
