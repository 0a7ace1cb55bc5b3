package main

import "github.com/woshixty/DeviceWatcher/cmd/devicewatch/cmd"

func main() {
	cmd.Execute()
}
