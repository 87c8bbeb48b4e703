package main

import "github.com/ramiqadoumi/go-task-orchestrator/services/orchestrator/cli"

func main() {
	cli.Execute()
}
