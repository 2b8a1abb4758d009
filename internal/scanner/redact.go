/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package scanner

import (
	"regexp"
)

// redactedPlaceholder replaces sensitive values in scanner output.
const redactedPlaceholder = "[REDACTED]"

// Scanner output can echo request headers, URLs with embedded credentials,
// and response bodies. Everything streamed to the event bus or stored as
// raw output passes through these patterns first.
var sensitivePatterns = []*regexp.Regexp{
	// Bearer tokens
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	// Authorization headers
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	// JWTs
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	// Long opaque tokens
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	// Generic API keys
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	// AWS-style keys
	regexp.MustCompile(`(?i)(aws_secret_access_key["\s:=]+)[a-zA-Z0-9/+=]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Password fields
	regexp.MustCompile(`(?i)(password["\s:=]+)\S+`),
	// Private key blocks
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// basicAuthPattern matches user:pass@ credentials embedded in URLs. Handled
// apart from the generic patterns so the @ separating userinfo from host
// survives redaction.
var basicAuthPattern = regexp.MustCompile(`(://[^/\s:@]+:)[^@\s/]+@`)

// Redact scrubs sensitive data from scanner output, preserving the prefix
// label where the pattern captures one so log lines stay readable.
func Redact(text string) string {
	result := basicAuthPattern.ReplaceAllString(text, "${1}"+redactedPlaceholder+"@")
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				prefix := match[loc[2]:loc[3]]
				return prefix + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// ContainsSecret reports whether text likely carries sensitive data.
func ContainsSecret(text string) bool {
	if basicAuthPattern.MatchString(text) {
		return true
	}
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}
