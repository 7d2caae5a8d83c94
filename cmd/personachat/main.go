// Package main provides the entry point for the personachat server and CLI.
//
//	@title						Persona Chat API
//	@version					0.1.0
//	@description				Session orchestration for persona chats: directory, credits, assignment, idle detection and messages.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

//go:generate swag init -g cmd/personachat/main.go -d ../../ -o ../../internal/http/docs --parseInternal

import (
	"fmt"
	"os"

	"github.com/tbourn/persona-chat-backend/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
