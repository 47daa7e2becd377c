// Package mocks provides mock implementations for testing the farmops
// analysis subsystem.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks
// for the core interfaces. The mocks are generated using go:generate
// directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockAPI := mocks.NewMockAnalysisAPI(ctrl)
//	mockAPI.EXPECT().Status(gomock.Any(), gomock.Any()).Return(snapshot, nil)
package mocks

// Generate mock for AnalysisAPI interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=analysis_api_mock.go github.com/farmsight/ops-api/internal/core AnalysisAPI

// Generate mock for RunRepository interface from internal/core package.
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=run_repository_mock.go github.com/farmsight/ops-api/internal/core RunRepository
