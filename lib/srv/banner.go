/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package srv

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/sshutils"
)

const bannerWidth = 60

// denyWait bounds how long a denied connection is kept around waiting
// for the client's session channel.
const denyWait = 10 * time.Second

// sendDenyBanner waits for the client's first session channel, prints
// the refusal into it and closes the connection. Denied clients get a
// human-readable wall, not a cryptic handshake failure.
func (h *connHandler) sendDenyBanner(chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, reason string, hints []string) {
	go ssh.DiscardRequests(reqs)
	timeout := h.proxy.cfg.Clock.After(denyWait)
	for {
		select {
		case nch, ok := <-chans:
			if !ok {
				return
			}
			if nch.ChannelType() != portcullis.ChanSession {
				nch.Reject(ssh.Prohibited, "access denied")
				continue
			}
			ch, creqs, err := nch.Accept()
			if err != nil {
				return
			}
			// Satisfy pty-req and shell so the client shows our output
			// before the connection drops.
			go func() {
				for req := range creqs {
					if req.WantReply {
						req.Reply(true, nil)
					}
				}
			}()
			ch.Write([]byte(denyBanner(h.sourceIP, reason, hints)))
			ch.SendRequest("exit-status", false, ssh.Marshal(sshutils.ExitStatusReq{ExitStatus: 1}))
			ch.Close()
			return
		case <-timeout:
			return
		}
	}
}

// denyBanner renders the refusal block. Kept at least 60 columns so it
// stands out in a terminal scrollback.
func denyBanner(sourceIP, reason string, hints []string) string {
	var b strings.Builder
	rule := strings.Repeat("*", bannerWidth)
	write := func(line string) {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	write("")
	write(rule)
	write(centered("ACCESS DENIED", bannerWidth))
	write(rule)
	write("")
	write(fmt.Sprintf("  source:  %v", sourceIP))
	write(fmt.Sprintf("  reason:  %v", reason))
	if len(hints) > 0 {
		write("")
		for _, hint := range hints {
			write("  " + hint)
		}
	}
	write("")
	return b.String()
}

func centered(s string, width int) string {
	if len(s) >= width-2 {
		return "*" + s + "*"
	}
	left := (width - 2 - len(s)) / 2
	right := width - 2 - len(s) - left
	return "*" + strings.Repeat(" ", left) + s + strings.Repeat(" ", right) + "*"
}
