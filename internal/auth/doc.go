// Package auth validates HS256 bearer tokens signed with the secret
// shared between the gateway and the chat services.
package auth
