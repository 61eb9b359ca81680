// Package model defines the provider‑agnostic abstractions for the language
// models that drive research sub-agents.
//
// Core goals:
//   - Unify streaming and non‑streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (see the anthropic and openai subpackages) implement the Model
// interface so workers remain decoupled from vendor SDKs.
package model
