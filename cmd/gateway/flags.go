package main

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	if w == nil {
		return
	}
	fmt.Fprintln(w, "Usage")
	fmt.Fprintln(w, "  gateway [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Flags")
	fmt.Fprintln(w, "  config string config file path")
	fmt.Fprintln(w, "  http_addr string http address")
	fmt.Fprintln(w, "  enable_http bool enable http")
	fmt.Fprintln(w, "  grpc_addr string grpc address")
	fmt.Fprintln(w, "  enable_grpc bool enable grpc")
	fmt.Fprintln(w, "  rules string rule document path")
	fmt.Fprintln(w, "  watch_rules bool watch rule document")
	fmt.Fprintln(w, "  redis_addr string redis address")
	fmt.Fprintln(w, "  fail_open bool fail open on store faults")
	fmt.Fprintln(w, "  store_timeout_ms int counter store timeout ms")
	fmt.Fprintln(w, "  enable_auth bool enable admin auth")
	fmt.Fprintln(w, "  admin_token string admin token")
	fmt.Fprintln(w, "  log_level string log level")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment")
	fmt.Fprintln(w, "  ADMISSION_HTTP_ADDR, ADMISSION_GRPC_ADDR, ADMISSION_RULES,")
	fmt.Fprintln(w, "  ADMISSION_REDIS_ADDR, ADMISSION_REDIS_PASSWORD, ADMISSION_ADMIN_TOKEN,")
	fmt.Fprintln(w, "  ADMISSION_FAIL_OPEN, ADMISSION_STORE_TIMEOUT_MS, ADMISSION_LOG_LEVEL")
}
