package main

import (
	"log"

	"evcharge/internal/config"
	"evcharge/server"
)

func main() {

	conf, err := config.GetConfig()
	if err != nil {
		log.Println("configuration load failed:", err)
		return
	}

	centralSystem, err := server.NewCentralSystem(conf)
	if err != nil {
		log.Println("central system initialization failed:", err)
		return
	}
	centralSystem.Start()

}
