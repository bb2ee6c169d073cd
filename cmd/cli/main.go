package main

import "github.com/hivedev/hive/internal/cmd"

func main() {
	cmd.Execute()
}
