package main

import "github.com/kamilpajak/wardwatch/cmd/wardwatch"

func main() {
	wardwatch.Execute()
}
