// Command lingorelay is the entry point for the lingorelay voice session relay.
package main

func main() {
	Execute()
}
