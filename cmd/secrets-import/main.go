package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/perpbridge/pkg/secretstore"
)

func main() {
	var (
		inPath    = flag.String("in", ".env", "input .env file path")
		dbPath    = flag.String("badger", getenv("PERP_SECRET_DB", "data/secrets.badger"), "badger secrets db path")
		secretKey = flag.String("secret-key", getenv("PERP_SECRET_KEY", ""), "badger encryption key (32 bytes base64/hex)")
		only      = flag.String("only", "", "comma separated variable names to import (default: all)")
		list      = flag.Bool("list", false, "list imported variable names and exit")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("secret key is required: set PERP_SECRET_KEY or pass -secret-key"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      *list,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if *list {
		names, err := ss.EnvNames()
		if err != nil {
			fatal(err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	kv, err := godotenv.Read(*inPath)
	if err != nil {
		fatal(err)
	}
	kv = filterKeys(kv, *only)
	if len(kv) == 0 {
		fatal(fmt.Errorf("no variables to import from %s", *inPath))
	}
	if err := ss.SetEnv(kv); err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stderr, "已导入 %d 项到 badger：%s\n", len(kv), *dbPath)
}

func filterKeys(kv map[string]string, only string) map[string]string {
	if strings.TrimSpace(only) == "" {
		return kv
	}
	out := map[string]string{}
	for _, name := range strings.Split(only, ",") {
		name = strings.TrimSpace(name)
		if v, ok := kv[name]; ok {
			out[name] = v
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
