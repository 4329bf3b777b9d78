// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// remedyctl 运维小工具：查 Build/Task/死信，或手动注入一条失败构建。
//
//	remedyctl -addr http://localhost:8080 builds
//	remedyctl build <id>
//	remedyctl tasks <id>
//	remedyctl stats
//	remedyctl deadletters
//	remedyctl submit -job demo -number 42 -repo https://github.com/acme/demo -log build.log
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	addr := flag.String("addr", envOr("REMEDYCI_ADDR", "http://localhost:8080"), "API 地址")
	token := flag.String("token", os.Getenv("REMEDYCI_TOKEN"), "ops JWT（启用认证时）")
	secret := flag.String("secret", os.Getenv("REMEDYCI_WEBHOOK_SECRET"), "webhook HMAC 密钥（submit 用）")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := newClient(*addr, *token)
	var err error
	switch args[0] {
	case "builds":
		err = c.listBuilds()
	case "build":
		if len(args) < 2 {
			err = fmt.Errorf("usage: remedyctl build <id>")
		} else {
			err = c.getBuild(args[1])
		}
	case "tasks":
		if len(args) < 2 {
			err = fmt.Errorf("usage: remedyctl tasks <build-id>")
		} else {
			err = c.listTasks(args[1])
		}
	case "stats":
		err = c.stats()
	case "deadletters":
		err = c.deadLetters()
	case "submit":
		err = c.submit(args[1:], *secret)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: remedyctl [-addr URL] [-token JWT] <builds|build|tasks|stats|deadletters|submit> ...")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
