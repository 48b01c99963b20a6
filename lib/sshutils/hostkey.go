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

package sshutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateHostKey returns the gateway host key, generating and
// persisting a fresh ed25519 key at first boot. The key file is 0600;
// looser permissions are a config error, same as a corrupt key.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		fi, err := os.Stat(path)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		if fi.Mode().Perm()&0o077 != 0 {
			return nil, trace.BadParameter(
				"host key %v has permissions %04o, want 0600", path, fi.Mode().Perm())
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, trace.BadParameter("corrupt host key %v: %v", path, err)
		}
		return signer, nil
	case os.IsNotExist(err):
		return generateHostKey(path)
	default:
		return nil, trace.ConvertSystemError(err)
	}
}

func generateHostKey(path string) (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}
