// The bot is a websocket client for local testing: it completes its profile, enters a room
// and sends a line every tick, logging what the server pushes.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/junglevibe/anon"
	"github.com/mqy/junglevibe/store"
	"github.com/mqy/junglevibe/ws"
)

var (
	flagServer   = flag.String("server", "127.0.0.1:8000", "junglevibe server address, ip:port")
	flagUid      = flag.String("uid", "bot-1", "bot uid")
	flagName     = flag.String("name", "Bot", "bot display name")
	flagMode     = flag.String("mode", string(store.ModeJungle), "NORMAL or JUNGLE")
	flagPeer     = flag.String("peer", "", "peer uid, NORMAL mode only")
	flagInterval = flag.Duration("interval", 30*time.Second, "send interval")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if err := completeProfile(); err != nil {
		glog.Errorf("complete profile error: %v", err)
		return
	}

	header := http.Header{"X-Uid": []string{*flagUid}}
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", *flagServer), header)
	if err != nil {
		glog.Errorf("dial error: %v", err)
		return
	}
	defer conn.Close()

	go func() {
		for {
			var msg ws.ServerMsg
			if err := conn.ReadJSON(&msg); err != nil {
				glog.Errorf("read error: %v", err)
				os.Exit(1)
			}
			out, _ := json.Marshal(&msg)
			glog.Infof("server: %s", out)
		}
	}()

	enter := &ws.ClientMsg{Enter: &ws.EnterReq{Mode: store.ChatMode(*flagMode), Peer: *flagPeer}}
	if err := conn.WriteJSON(enter); err != nil {
		glog.Errorf("enter error: %v", err)
		return
	}

	ticker := time.NewTicker(*flagInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	for i := 1; ; i++ {
		select {
		case <-sigCh:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			text := fmt.Sprintf("%s says hello #%d", *flagName, i)
			if err := conn.WriteJSON(&ws.ClientMsg{Send: &ws.SendReq{Text: text}}); err != nil {
				glog.Errorf("send error: %v", err)
				return
			}
		}
	}
}

func completeProfile() error {
	body, _ := json.Marshal(map[string]string{
		"name":      *flagName,
		"gender":    string(store.GenderMale),
		"avatarUrl": anon.AvatarsMale[0],
	})
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("http://%s/api/me", *flagServer), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Uid", *flagUid)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}
