// Package api exposes the orchestrator over HTTP: provisioning, chat, action
// logging, rewards, evaluation traces, approvals and provisioning jobs. Every
// response body is a JSON envelope with a success flag.
package api
