// Package main is the entry point for vmkit.
package main

func main() {
	Execute()
}
