// Package security seals secret payloads at rest with AES-256-GCM.
package security
