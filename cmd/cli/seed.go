package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"lsmkv/internal/common"
	"lsmkv/internal/db"
)

const seedIndexKey = "__cli_seed_index__"

func loadSeedIndex(engine *db.DB) int {
	if val, err := engine.Get([]byte(seedIndexKey)); err == nil {
		if idx, err := strconv.Atoi(string(val)); err == nil {
			fmt.Printf("resumed seed index from %d\n", idx)
			return idx
		}
	}
	return 0
}

var kvPairs = [][2]string{
	{"apple", "artichoke"},
	{"banana", "broccoli"},
	{"cherry", "cabbage"},
	{"durian", "daikon"},
	{"elderberry", "eggplant"},
	{"fig", "fennel"},
	{"grapefruit", "ginger"},
	{"honeydew", "horseradish"},
	{"imbe", "ivygourd"},
	{"jackfruit", "jicama"},
	{"kiwi", "kale"},
	{"lime", "leek"},
	{"mango", "mushroom"},
	{"nectarine", "nopale"},
	{"orange", "okra"},
	{"peach", "peas"},
	{"quince", "quinoa"},
	{"raspberry", "radish"},
	{"strawberry", "spinach"},
	{"tangerine", "tomato"},
	{"ugni", "ube"},
	{"voavanga", "vanilla"},
	{"watermelon", "watercress"},
	{"ximenia", "xanthan"},
	{"yuzu", "yam"},
	{"zarzamora", "zucchini"},
}

// runSeed writes x rounds of fruit/vegetable pairs, one batch per round,
// flushing whenever the memtable fills up.
func runSeed(engine *db.DB, logger *zap.Logger, x int, seedIndex *int) error {
	start := time.Now()
	startIndex := *seedIndex
	count, flushes := 0, 0

	shuffled := make([][2]string, len(kvPairs))
	copy(shuffled, kvPairs)

	for i := 0; i < x; i++ {
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		batch := make([]*common.Entry, 0, len(shuffled)+1)
		for _, pair := range shuffled {
			key := fmt.Sprintf("%s%d", pair[0], *seedIndex)
			value := fmt.Sprintf("%s%d", pair[1], *seedIndex)
			batch = append(batch, common.NewPut([]byte(key), []byte(value)))
		}
		*seedIndex++
		batch = append(batch, common.NewPut([]byte(seedIndexKey), []byte(strconv.Itoa(*seedIndex))))

		if err := engine.Write(batch); err != nil {
			return err
		}
		count += len(shuffled)

		if engine.NeedsFlush() {
			if err := engine.Flush(); err != nil {
				return err
			}
			flushes++
		}
	}

	common.LogDuration(logger, start, "seeded",
		zap.Int("entries", count),
		zap.Int("rounds", x),
		zap.Int("first_index", startIndex),
		zap.Int("last_index", *seedIndex-1),
		zap.Int("flushes", flushes),
	)
	return nil
}
