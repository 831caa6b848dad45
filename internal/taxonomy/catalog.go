package taxonomy

import (
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Parse builds a Catalog from YAML bytes. The file has a top-level
// "categories" key.
func Parse(data []byte) (*Catalog, error) {
	var wrapper struct {
		Categories []Category `yaml:"categories"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse catalog")
	}
	if len(wrapper.Categories) == 0 {
		return nil, eris.New("taxonomy: catalog has no categories")
	}

	c := &Catalog{
		categories: wrapper.Categories,
		byID:       make(map[string]*Category, len(wrapper.Categories)),
		byAlias:    make(map[string]*Category),
	}
	for i := range c.categories {
		cat := &c.categories[i]
		id := Normalize(cat.ID)
		if id == "" {
			return nil, eris.Errorf("taxonomy: category %d has empty id", i)
		}
		if _, dup := c.byID[id]; dup {
			return nil, eris.Errorf("taxonomy: duplicate category id %q", cat.ID)
		}
		c.byID[id] = cat
		for _, alias := range cat.Aliases {
			c.byAlias[Normalize(alias)] = cat
		}
	}
	return c, nil
}

// defaultCatalogYAML is the built-in resale taxonomy, distilled from the
// eBay category tree the product taxonomy is derived from.
const defaultCatalogYAML = `
categories:
  - id: electronics
    label: Electronics
    aliases: [phone, cell phone, smartphone, laptop, tablet, computer, monitor, tv, television, camera, headphones, speaker, keyboard, mouse, remote, game console]
    band: {low: 25, high: 220}
  - id: clothing
    label: Clothing & Accessories
    aliases: [shirt, t-shirt, jacket, coat, dress, jeans, pants, shoes, sneaker, boot, hat, cap, handbag, backpack, tie, scarf]
    band: {low: 5, high: 45}
  - id: furniture
    label: Furniture
    aliases: [chair, couch, sofa, table, desk, bench, dresser, shelf, bookcase, stool, bed]
    band: {low: 30, high: 260}
  - id: kitchenware
    label: Kitchen & Dining
    aliases: [cup, mug, bottle, bowl, plate, fork, knife, spoon, pot, pan, blender, toaster, microwave, kettle]
    band: {low: 4, high: 40}
  - id: books_media
    label: Books & Media
    aliases: [book, magazine, dvd, cd, vinyl, record]
    band: {low: 2, high: 18}
  - id: toys_games
    label: Toys & Games
    aliases: [toy, doll, teddy bear, lego, puzzle, board game, action figure]
    band: {low: 5, high: 55}
  - id: sporting_goods
    label: Sporting Goods
    aliases: [bicycle, bike, skateboard, surfboard, tennis racket, baseball bat, skis, snowboard, golf club, dumbbell, frisbee, sports ball]
    band: {low: 15, high: 140}
  - id: tools
    label: Tools & Hardware
    aliases: [drill, hammer, screwdriver, saw, wrench, toolbox, ladder]
    band: {low: 10, high: 90}
  - id: home_decor
    label: Home Décor
    aliases: [vase, clock, lamp, mirror, picture frame, candle, plant, potted plant, rug]
    band: {low: 6, high: 60}
  - id: instruments
    label: Musical Instruments
    aliases: [guitar, violin, keyboard piano, piano, drum, trumpet, flute]
    band: {low: 40, high: 380}
`
