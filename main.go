package main

import "github.com/vibast-solutions/ms-go-payment-orchestrator/cmd"

func main() {
	cmd.Execute()
}
