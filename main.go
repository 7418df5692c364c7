package main

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/mmd-mahdi/BitTorrent-client/download"
)

func main() {
	if len(os.Args) < 2 {
		logrus.Fatalln("usage: bittorrent-client <torrent-file>")
	}

	d := download.NewDownload()
	if err := d.Start(os.Args[1]); err != nil {
		logrus.Fatalln(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	d.Stop()
}
